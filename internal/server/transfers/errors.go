package transfers

import (
	"errors"
	"fmt"

	"github.com/dmitrijs2005/notebookhub/internal/common"
)

// errCancelled stops a running transfer once its task has been cancelled.
var errCancelled = errors.New("transfer cancelled")

// PartialFailureError reports a recursive transfer that stopped at Item
// after Done of Total items had completed.
type PartialFailureError struct {
	Done  int
	Total int
	Item  string
	Err   error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("transfer failed after %d of %d items at %s: %v", e.Done, e.Total, e.Item, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

func (e *PartialFailureError) Is(target error) bool { return target == common.ErrPartialFailure }
