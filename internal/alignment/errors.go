package alignment

import (
	"fmt"

	kyderrors "github.com/cqp-go/siteagent/pkg/errors"
)

var (
	errNotConfigured = fmt.Errorf("%s: %w", "alignment: SetSystemParameters not called", kyderrors.ErrInvalidParameters)
	errNoiseFloor    = kyderrors.ErrNoiseFloorTooHigh
)
