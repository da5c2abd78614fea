package match

import (
	"testing"

	"github.com/okserial/serial/portattr"
)

func attrs(kv map[string]string) portattr.PortAttributes { return portattr.New(kv) }

func TestUnscopedLiteralIsCaseInsensitiveWholeWord(t *testing.T) {
	m, err := Compile("Adafruit")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !m.Matches(attrs(map[string]string{portattr.KeyDevice: "/dev/ttyUSB0", portattr.KeyDescription: "adafruit feather"})) {
		t.Fatal("expected case-insensitive match")
	}
	if m.Matches(attrs(map[string]string{portattr.KeyDescription: "notadafruitthing"})) {
		t.Fatal("expected word-boundary match to reject a substring inside a longer word")
	}
}

func TestScopedRegexIsCaseSensitive(t *testing.T) {
	m, err := Compile(`serial~/^DF625/`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	matches := m.Matches(attrs(map[string]string{portattr.KeySerialNumber: "DF6250001"}))
	if !matches {
		t.Fatal("expected uppercase serial to match")
	}
	if m.Matches(attrs(map[string]string{portattr.KeySerialNumber: "df6250001"})) {
		t.Fatal("expected lowercase serial not to match a case-sensitive regex")
	}
}

func TestNumericEquivalenceMatchesHexAndDecimal(t *testing.T) {
	m, err := Compile("9114")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !m.Matches(attrs(map[string]string{portattr.KeyVID: "0x239a"})) {
		t.Fatal("expected decimal literal to match hex-equivalent attribute value")
	}
	if m.Matches(attrs(map[string]string{portattr.KeyVID: "0x0001"})) {
		t.Fatal("did not expect an unrelated value to match")
	}
}

func TestAmbiguousAttributePrefixIsCompileError(t *testing.T) {
	if _, err := Compile("p=foo"); err == nil {
		t.Fatal(`expected "p" to be an ambiguous prefix of pid/product`)
	}
}

func TestUnknownAttributePrefixIsTreatedLiterally(t *testing.T) {
	m, err := Compile("custom_field=bar")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !m.Matches(attrs(map[string]string{"custom_field": "bar"})) {
		t.Fatal("expected an unrecognized attribute name to be usable verbatim")
	}
}

func TestWildcardScopedValue(t *testing.T) {
	m, err := Compile("vid_pid=2341:*")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !m.Matches(attrs(map[string]string{portattr.KeyVIDPID: "2341:0043"})) {
		t.Fatal("expected wildcard suffix to match any pid")
	}
	if m.Matches(attrs(map[string]string{portattr.KeyVIDPID: "1234:0043"})) {
		t.Fatal("expected mismatched vid prefix to fail")
	}
}

func TestQuotedValueWithEscapes(t *testing.T) {
	m, err := Compile(`description="USB \"Serial\" Adapter"`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !m.Matches(attrs(map[string]string{portattr.KeyDescription: `USB "Serial" Adapter`})) {
		t.Fatal("expected escaped quotes to round-trip")
	}
}

func TestConjunctionOfTerms(t *testing.T) {
	m, err := Compile("vid=2341 Uno")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	ok := attrs(map[string]string{portattr.KeyVID: "2341", portattr.KeyProduct: "Arduino Uno"})
	bad := attrs(map[string]string{portattr.KeyVID: "2341", portattr.KeyProduct: "Arduino Mega"})
	if !m.Matches(ok) {
		t.Fatal("expected both terms to match")
	}
	if m.Matches(bad) {
		t.Fatal("expected mismatched second term to reject")
	}
}

func TestFilterOrdersByDevice(t *testing.T) {
	m, err := Compile("*")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	ports := []portattr.PortAttributes{
		attrs(map[string]string{portattr.KeyDevice: "/dev/ttyUSB1"}),
		attrs(map[string]string{portattr.KeyDevice: "/dev/ttyUSB0"}),
	}
	out := m.Filter(ports)
	if out[0].Device() != "/dev/ttyUSB0" {
		t.Fatalf("expected deterministic device-order tie-break, got %v", out)
	}
}

func TestSelectOneReportsNoMatchAndAmbiguous(t *testing.T) {
	m, _ := Compile("nonexistent_thing_xyz")
	if _, err := m.SelectOne(nil); err == nil {
		t.Fatal("expected NoMatch error on empty port list")
	}

	m2, _ := Compile("*")
	ports := []portattr.PortAttributes{
		attrs(map[string]string{portattr.KeyDevice: "/dev/ttyUSB0"}),
		attrs(map[string]string{portattr.KeyDevice: "/dev/ttyUSB1"}),
	}
	if _, err := m2.SelectOne(ports); err == nil {
		t.Fatal("expected AmbiguousMatch error with two matching ports")
	}
}
