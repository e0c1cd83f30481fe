package trend

import "fmt"

// QueryError marks a failed warehouse fetch. The Fetcher recovers it into an
// empty Result; callers only see it through a Reporter.
type QueryError struct {
	Stage string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}
