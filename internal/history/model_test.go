package history

import (
	"errors"
	"strings"
	"testing"
	"time"
)

type staticIDProvider struct {
	id  string
	err error
}

func (p staticIDProvider) NewID() (string, error) {
	return p.id, p.err
}

func TestNewClientID(testContext *testing.T) {
	if id, err := NewClientID("  abc  "); err != nil || id.String() != "abc" {
		testContext.Fatalf("expected trimmed id, got %q, %v", id, err)
	}
	if _, err := NewClientID("   "); !errors.Is(err, ErrInvalidClientID) {
		testContext.Fatalf("expected ErrInvalidClientID for blank input, got %v", err)
	}
	if _, err := NewClientID(strings.Repeat("x", maxIdentifierLength+1)); !errors.Is(err, ErrInvalidClientID) {
		testContext.Fatalf("expected ErrInvalidClientID for long input, got %v", err)
	}
}

func TestNewHostnameAllowsEmpty(testContext *testing.T) {
	if hostname, err := NewHostname(""); err != nil || hostname != "" {
		testContext.Fatalf("expected empty hostname to be accepted, got %q, %v", hostname, err)
	}
	if _, err := NewHostname(strings.Repeat("h", maxIdentifierLength+1)); !errors.Is(err, ErrInvalidHostname) {
		testContext.Fatalf("expected ErrInvalidHostname, got %v", err)
	}
}

func TestUUIDProviderIssuesDashlessIncreasingIDs(testContext *testing.T) {
	provider := NewUUIDProvider()
	first, err := provider.NewID()
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := provider.NewID()
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 32 || strings.Contains(first, "-") {
		testContext.Fatalf("unexpected id format %q", first)
	}
	if second <= first {
		testContext.Fatalf("expected ids to sort by creation: %q then %q", first, second)
	}
}

func TestNewCommand(testContext *testing.T) {
	zone := time.FixedZone("plus3", 3*3600)
	command, err := NewCommand(staticIDProvider{id: "cmd-1"}, CommandConfig{
		Timestamp: time.Date(2024, time.May, 1, 15, 0, 0, 0, zone),
		Duration:  1500 * time.Millisecond,
		Exit:      2,
		Command:   "make test",
		Cwd:       "/src",
		Session:   "tty1",
		Hostname:  " laptop ",
	})
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if command.ID != "cmd-1" || command.Hostname != "laptop" || command.Duration != int64(1500*time.Millisecond) {
		testContext.Fatalf("unexpected command %+v", command)
	}
	if command.Timestamp.Location() != time.UTC || command.Timestamp.Hour() != 12 {
		testContext.Fatalf("expected UTC timestamp, got %v", command.Timestamp)
	}

	if _, err := NewCommand(staticIDProvider{id: "x"}, CommandConfig{}); err == nil {
		testContext.Fatalf("expected empty command to be rejected")
	}
	if _, err := NewCommand(staticIDProvider{err: errors.New("entropy exhausted")}, CommandConfig{Command: "ls", Timestamp: time.Now()}); err == nil {
		testContext.Fatalf("expected id failure to propagate")
	}
	if _, err := NewCommand(staticIDProvider{id: "x"}, CommandConfig{Command: "ls"}); !errors.Is(err, ErrInvalidTimestamp) {
		testContext.Fatalf("expected an unset timestamp to be rejected, got %v", err)
	}
}

func TestNewTimestamp(testContext *testing.T) {
	zone := time.FixedZone("minus5", -5*3600)
	valid, err := NewTimestamp(time.Date(2024, time.May, 1, 7, 0, 0, 0, zone))
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if valid.Location() != time.UTC || valid.Hour() != 12 {
		testContext.Fatalf("expected UTC timestamp, got %v", valid)
	}
	if _, err := NewTimestamp(Epoch); err != nil {
		testContext.Fatalf("expected the epoch itself to be accepted, got %v", err)
	}

	rejected := []time.Time{
		{},
		time.Date(1969, time.December, 31, 23, 59, 59, 0, time.UTC),
		time.Date(1600, time.June, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2300, time.June, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, value := range rejected {
		if _, err := NewTimestamp(value); !errors.Is(err, ErrInvalidTimestamp) {
			testContext.Fatalf("expected ErrInvalidTimestamp for %v, got %v", value, err)
		}
	}
}

func TestDeviceCodeAuthorized(testContext *testing.T) {
	if (DeviceCode{Code: "c"}).Authorized() {
		testContext.Fatalf("pending code reported as authorized")
	}
	if !(DeviceCode{Code: "c", Token: "t"}).Authorized() {
		testContext.Fatalf("authorized code reported as pending")
	}
}
