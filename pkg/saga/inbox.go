package saga

import (
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// inboxes tracks a wake-up channel per run. The durable signal state lives
// on the Run record itself; the inbox only exists so the condition waiter is
// woken by delivery events instead of polling.
type inboxes struct {
	mu    sync.Mutex
	wakes map[string]chan struct{}
}

func newInboxes() *inboxes {
	return &inboxes{wakes: make(map[string]chan struct{})}
}

// watch returns the channel that closes on the next delivery for the run.
func (in *inboxes) watch(runID string) <-chan struct{} {
	in.mu.Lock()
	defer in.mu.Unlock()

	ch, ok := in.wakes[runID]
	if !ok {
		ch = make(chan struct{})
		in.wakes[runID] = ch
	}

	return ch
}

// notify wakes every waiter for the run. The closed channel is replaced so
// later deliveries wake later waits.
func (in *inboxes) notify(runID string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if ch, ok := in.wakes[runID]; ok {
		close(ch)
	}

	in.wakes[runID] = make(chan struct{})
}

// drop releases the wake channel once the run is terminal.
func (in *inboxes) drop(runID string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	delete(in.wakes, runID)
}

// validateSignalPayload checks a signal payload against the schema the
// definition attaches to its type, when one exists.
func validateSignalPayload(def *Definition, signalType string, data any) error {
	schema, ok := def.SignalSchemas[signalType]
	if !ok {
		return nil
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}

	if !result.Valid() {
		return fmt.Errorf("%w: signal %q: %v", ErrInvalidSignal, signalType, result.Errors())
	}

	return nil
}
