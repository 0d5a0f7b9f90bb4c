package fleet

import "fmt"

// NetworkError reports a transport failure talking to a device: HTTP
// status >= 400, timeout, refused or closed connection. The retrying
// client retries these; once retries are exhausted the error surfaces
// to the caller. Library error types never escape wrapped in anything
// else.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ScanError reports an invalid payload: empty body, malformed JSON, or
// a scan state that forbids the requested action. Not retried.
type ScanError struct {
	Reason string
	Err    error
}

func (e *ScanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scan error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("scan error: %s", e.Reason)
}

func (e *ScanError) Unwrap() error { return e.Err }

// DeviceError reports that a device is in a state incompatible with the
// requested instruction. Not retried; surfaces to the web layer as a 4xx.
type DeviceError struct {
	Device string
	Msg    string
}

func (e *DeviceError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("device %s: %s", e.Device, e.Msg)
	}
	return e.Msg
}
