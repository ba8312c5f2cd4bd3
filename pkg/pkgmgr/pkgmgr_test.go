package pkgmgr

import (
	"errors"
	"testing"

	"github.com/elves/evald/pkg/tt"
)

func TestCode(t *testing.T) {
	tt.Test(t, tt.Fn("Code", Code),
		tt.Args(Add, []string{"github.com/zzamboni/elvish-modules"}).Rets(
			"use epm\nepm:install &silent-if-installed github.com/zzamboni/elvish-modules", nil),
		tt.Args(Remove, []string{"a", "b c"}).Rets(
			"use epm\nepm:uninstall a 'b c'", nil),
		tt.Args(Update, nil).Rets("use epm\nepm:upgrade", nil),
		tt.Args(Update, []string{"a"}).Rets("use epm\nepm:upgrade a", nil),
		tt.Args(Status, nil).Rets("use epm\nepm:installed", nil),
		tt.Args(Status, []string{"a"}).Rets(
			"use epm\neach {|p| put $p (epm:is-installed $p) } [a]", nil),

		tt.Args(Add, nil).Rets("", tt.ErrorContaining("at least one package")),
		tt.Args(Remove, []string{}).Rets("", tt.ErrorContaining("at least one package")),
		tt.Args("frobnicate", nil).Rets("", UnknownActionError{"frobnicate"}),
	)
}

func TestCode_NoPackagesIsErrNoPackages(t *testing.T) {
	_, err := Code(Add, nil)
	if !errors.Is(err, ErrNoPackages) {
		t.Errorf("got %v, want ErrNoPackages", err)
	}
}
