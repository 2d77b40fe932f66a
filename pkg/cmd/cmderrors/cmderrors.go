package cmderrors

import (
	"fmt"

	"github.com/pkg/errors"

	jgerrors "github.com/sciencegateway/jobgate/pkg/errors"
	"github.com/sciencegateway/jobgate/pkg/terminal"
)

// DisplayAndHandleError prints err for the user. Validation errors are the
// user's to fix and are not reported to the crash monitor. debug prints the
// full wrapped chain with stack traces instead of the root cause.
func DisplayAndHandleError(t *terminal.Terminal, reporter jgerrors.ErrorReporter, err error, debug bool) {
	if err == nil {
		return
	}
	var validation jgerrors.ValidationError
	if jgerrors.As(err, &validation) {
		t.Eprint(t.Yellow(validation.Error()))
		return
	}
	if reporter != nil {
		reporter.ReportMessage(err.Error())
		reporter.ReportError(err)
	}
	if debug {
		t.Eprint(fmt.Sprintf("%+v", err))
		return
	}
	t.Errprint(errors.Cause(err), "")
	if d, ok := jgerrors.DirectiveOf(err); ok && !isDirectiveOf(errors.Cause(err)) {
		t.Eprint(t.Yellow(d))
	}
}

func isDirectiveOf(err error) bool {
	_, ok := jgerrors.DirectiveOf(err)
	return ok
}
