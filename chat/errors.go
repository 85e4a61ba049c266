package chat

import "fmt"

const (
	AlreadyConnectedError = iota

	AuthMissingError

	ConnectionError

	ConnectionRefusedError

	DisconnectedError

	HeartbeatError

	InvalidURIError

	MalformedFrameError

	NotConnectedError

	ProtocolError

	SubscriptionError

	UnknownError
)

// NewError builds an error value from one of the package error codes and an
// optional detail message.
func NewError(errorCode int, message ...interface{}) error {
	var errorName string

	switch errorCode {
	case AlreadyConnectedError:
		errorName = "AlreadyConnectedError"
	case AuthMissingError:
		errorName = "AuthMissingError"
	case ConnectionError:
		errorName = "ConnectionError"
	case ConnectionRefusedError:
		errorName = "ConnectionRefusedError"
	case DisconnectedError:
		errorName = "DisconnectedError"
	case HeartbeatError:
		errorName = "HeartbeatError"
	case InvalidURIError:
		errorName = "InvalidURIError"
	case MalformedFrameError:
		errorName = "MalformedFrameError"
	case NotConnectedError:
		errorName = "NotConnectedError"
	case ProtocolError:
		errorName = "ProtocolError"
	case SubscriptionError:
		errorName = "SubscriptionError"
	default:
		errorName = "UnknownError"
	}

	if len(message) > 0 {
		return fmt.Errorf("%s: %s", errorName, message[0])
	}

	return fmt.Errorf("%s", errorName)
}
