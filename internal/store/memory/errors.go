package memory

import "fmt"

func errNotFound(id string) error {
	return fmt.Errorf("%s: not found", id)
}
