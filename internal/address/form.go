package address

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hanko-field/storefront/internal/domain"
)

const maxFieldLength = 256

// ErrUnknownField is returned when an edit names a field the address does not have.
var ErrUnknownField = errors.New("address: unknown field")

// ErrFormClosed is returned when editing a form after Close.
var ErrFormClosed = errors.New("address: form closed")

var strictPolicy = bluemonday.StrictPolicy()

// Sanitize strips markup from buyer input and normalises whitespace.
func Sanitize(value string) string {
	cleaned := html.UnescapeString(strictPolicy.Sanitize(value))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if len(cleaned) > maxFieldLength {
		cleaned = cleaned[:maxFieldLength]
	}
	return strings.ToValidUTF8(cleaned, "")
}

// SanitizeAddress sanitises every field of the address.
func SanitizeAddress(addr domain.Address) domain.Address {
	return domain.Address{
		Street:  Sanitize(addr.Street),
		City:    Sanitize(addr.City),
		State:   Sanitize(addr.State),
		ZipCode: Sanitize(addr.ZipCode),
		Country: Sanitize(addr.Country),
	}
}

// FormOption customises a Form.
type FormOption func(*Form)

// WithQuietPeriod overrides the debounce quiet period.
func WithQuietPeriod(d time.Duration) FormOption {
	return func(f *Form) {
		f.debouncer = NewDebouncer(d)
	}
}

// WithValidityListener registers a callback receiving every debounced ValidityMap.
func WithValidityListener(fn func(domain.ValidityMap)) FormOption {
	return func(f *Form) {
		f.listener = fn
	}
}

// Form holds the address being edited and publishes debounced validity updates.
type Form struct {
	mu        sync.Mutex
	addr      domain.Address
	validity  domain.ValidityMap
	debouncer *Debouncer
	listener  func(domain.ValidityMap)
	closed    bool
}

// NewForm constructs a form seeded with initial values. The initial validity is computed
// synchronously so a prefilled address is immediately usable.
func NewForm(initial domain.Address, opts ...FormOption) *Form {
	f := &Form{addr: SanitizeAddress(initial)}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.debouncer == nil {
		f.debouncer = NewDebouncer(DefaultQuietPeriod)
	}
	f.validity = Validate(f.addr)
	return f
}

// Set updates a single field and schedules revalidation.
func (f *Form) Set(field, value string) error {
	return f.Apply(map[string]string{field: value})
}

// Apply updates several fields at once and schedules a single revalidation.
func (f *Form) Apply(edits map[string]string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrFormClosed
	}
	next := f.addr
	for field, value := range edits {
		updated, ok := next.WithField(field, Sanitize(value))
		if !ok {
			f.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownField, field)
		}
		next = updated
	}
	f.addr = next
	f.mu.Unlock()

	f.debouncer.Trigger(f.revalidate)
	return nil
}

// Replace swaps the whole address and schedules revalidation.
func (f *Form) Replace(addr domain.Address) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrFormClosed
	}
	f.addr = SanitizeAddress(addr)
	f.mu.Unlock()

	f.debouncer.Trigger(f.revalidate)
	return nil
}

// Address returns the current field values.
func (f *Form) Address() domain.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addr
}

// Validity returns the most recently published ValidityMap, which may lag behind edits.
func (f *Form) Validity() domain.ValidityMap {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(domain.ValidityMap, len(f.validity))
	for k, v := range f.validity {
		out[k] = v
	}
	return out
}

// Ready evaluates completeness against the current values, not the published validity.
func (f *Form) Ready() bool {
	return IsComplete(f.Address())
}

// Pending reports whether a debounced revalidation is scheduled.
func (f *Form) Pending() bool {
	return f.debouncer.Pending()
}

// Close cancels any scheduled revalidation. Further edits return ErrFormClosed.
func (f *Form) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.debouncer.Stop()
}

func (f *Form) revalidate() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	validity := Validate(f.addr)
	f.validity = validity
	listener := f.listener
	f.mu.Unlock()

	if listener != nil {
		published := make(domain.ValidityMap, len(validity))
		for k, v := range validity {
			published[k] = v
		}
		listener(published)
	}
}
