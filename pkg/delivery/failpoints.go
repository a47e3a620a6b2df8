package delivery

import "sync"

// Named failpoint hooks spec §4.6 calls for: fired immediately after a
// successful side-effect but before the state transition is recorded, so
// tests can simulate a crash in that window and assert the receiver
// dedupes correctly on retry.
const (
	FailpointWebhookAfterPostBeforeMark = "delivery.webhook.after_post_before_mark"
	FailpointS3AfterPutBeforeMark       = "delivery.s3.after_put_before_mark"
)

var (
	failpointsMu sync.RWMutex
	failpoints   = map[string]func(){}
)

// SetFailpoint registers fn to run the next time name fires, then clears
// itself. A nil fn removes any hook for name. Test-only; never called
// outside test files.
func SetFailpoint(name string, fn func()) {
	failpointsMu.Lock()
	defer failpointsMu.Unlock()
	if fn == nil {
		delete(failpoints, name)
		return
	}
	failpoints[name] = fn
}

func triggerFailpoint(name string) {
	failpointsMu.Lock()
	fn, ok := failpoints[name]
	if ok {
		delete(failpoints, name)
	}
	failpointsMu.Unlock()
	if ok {
		fn()
	}
}
