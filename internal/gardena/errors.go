package gardena

import "fmt"

// GatewayError is a failed call to the vendor cloud. Status is 0 when no
// HTTP response was received.
type GatewayError struct {
	Op     string
	Status int
	Title  string
	Err    error
}

func (e *GatewayError) Error() string {
	switch {
	case e.Status != 0 && e.Title != "":
		return fmt.Sprintf("gardena %s: status %d: %s", e.Op, e.Status, e.Title)
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("gardena %s: status %d: %v", e.Op, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("gardena %s: status %d", e.Op, e.Status)
	default:
		return fmt.Sprintf("gardena %s: %v", e.Op, e.Err)
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }
