package securestore

// noopStore is selected under automated-test execution. Every operation
// succeeds and reads report absence, so tests can never pull real secrets
// out of a developer keyring or leave state behind.
type noopStore struct{}

func (noopStore) Get(string) (string, bool, error)   { return "", false, nil }
func (noopStore) Set(string, string) error           { return nil }
func (noopStore) Delete(string) error                { return nil }
func (noopStore) GetBool(string) (bool, bool, error) { return false, false, nil }
func (noopStore) SetBool(string, bool) error         { return nil }
