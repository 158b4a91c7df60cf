package cache

import "fmt"

// PersistenceError reports a failed metadata write or file move. The store
// never keeps an entry whose persistence failed.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
