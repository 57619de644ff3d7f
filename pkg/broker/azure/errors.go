package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/ava-labs/servicebus-transport/pkg/broker"
)

// mapError attaches the broker sentinel matching an SDK error so callers can
// classify it with errors.Is. The original error stays in the chain.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if sentinel := sentinelFor(err); sentinel != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return err
}

func sentinelFor(err error) error {
	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) {
		switch sbErr.Code {
		case azservicebus.CodeLockLost:
			return broker.ErrLockLost
		case azservicebus.CodeNotFound:
			return broker.ErrEntityNotFound
		case azservicebus.CodeTimeout, azservicebus.CodeConnectionLost:
			return broker.ErrTransient
		}
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusConflict:
			return broker.ErrEntityAlreadyExists
		case respErr.StatusCode == http.StatusNotFound:
			return broker.ErrEntityNotFound
		case respErr.StatusCode == http.StatusTooManyRequests,
			respErr.StatusCode == http.StatusRequestTimeout,
			respErr.StatusCode >= http.StatusInternalServerError:
			return broker.ErrTransient
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return broker.ErrTransient
	}
	return nil
}
