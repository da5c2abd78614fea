package serial

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/okserial/serial/errs"
	"github.com/okserial/serial/portlock"
)

var validate = validator.New()

// ConnectionOptions configures one Open call: the line parameters, the
// control signals to assert at open, and the sharing policy governing
// how this process coordinates with any other process touching the
// same device (§4.3, §4.6 of the design).
type ConnectionOptions struct {
	Baud        int              `validate:"required,gt=0"`
	DataBits    DataBits         `validate:"oneof=5 6 7 8"`
	Parity      Parity           `validate:"gte=0,lte=4"`
	StopBits    StopBits         `validate:"gte=0,lte=2"`
	ReadTimeout time.Duration    `validate:"gte=0"`
	DTR         bool
	RTS         bool
	Sharing     portlock.Sharing `validate:"required"`
}

// DefaultOptions returns the conventional 8N1 configuration at the
// given baud rate, polite sharing, and a half-second read timeout --
// sensible defaults for interactive use (§4.6).
func DefaultOptions(baud int) ConnectionOptions {
	return ConnectionOptions{
		Baud:        baud,
		DataBits:    DataBits8,
		Parity:      ParityNone,
		StopBits:    StopBits1,
		ReadTimeout: 500 * time.Millisecond,
		Sharing:     portlock.Polite,
	}
}

func (o ConnectionOptions) validateSelf() error {
	if err := validate.Struct(o); err != nil {
		return errs.Configuration(fmt.Sprintf("invalid connection options: %v", err), err)
	}
	if !o.Sharing.Valid() {
		return errs.Configuration(fmt.Sprintf("unknown sharing mode %q", o.Sharing), nil)
	}
	return nil
}
