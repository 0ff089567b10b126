package warehouse

import (
	"regexp"

	"github.com/rotisserie/eris"
)

// identPattern matches bare or dotted identifiers such as
// upload_db.PUBLIC.platform_viewership.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*){0,2}$`)

// ValidateIdent rejects anything that is not a plain, optionally qualified
// identifier. Only configuration-derived names are interpolated into SQL.
func ValidateIdent(name string) error {
	if !identPattern.MatchString(name) {
		return eris.Errorf("warehouse: invalid identifier %q", name)
	}
	return nil
}
