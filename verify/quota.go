package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"log/slog"

	"github.com/mailmoth/moth/hintsdb"
	"github.com/mailmoth/moth/mlog"
)

// QuotaCheck is the mailbox quota routine, called in the child process where
// it runs with the delivery user's privileges. The importing program sets it
// before serving; nil means quota verification always defers.
var QuotaCheck func(address string) (ok bool, message string, err error)

// Overridden in tests to avoid re-execing the test binary.
var executable = os.Executable

// The subcommand the child is started with, handled by the main program by
// calling QuotaChild.
const quotaSubcommand = "quota-check"

type quotaResult struct {
	RC      int    `json:"rc"` // 0 ok, 1 over quota, 2 temporary error.
	Class   string `json:"class,omitempty"`
	Message string `json:"message,omitempty"`
}

// VerifyQuota checks whether the local user for address has mailbox space
// available. The check runs in a child process started through a self-exec,
// since it may need the delivery user's privileges. Verdicts are cached in
// the hints database like callout verdicts.
func VerifyQuota(ctx context.Context, elog *slog.Logger, address string, noCache bool) Verdict {
	log := mlog.New("verify", elog)

	if !noCache {
		if rec, err := hintsdb.LookupQuota(ctx, address); err == nil {
			if rec.Result == hintsdb.ResultAccept {
				return Verdict{Result: OK}
			}
			return Verdict{Result: Fail, Class: "quota", Message: rec.Message}
		}
	}

	exe, err := executable()
	if err != nil {
		return Verdict{Result: Defer, Class: "quota", Message: fmt.Sprintf("finding executable for quota child: %v", err)}
	}
	cmd := exec.CommandContext(ctx, exe, quotaSubcommand, address)
	out, err := cmd.Output()
	if err != nil {
		log.Errorx("quota child", err, slog.String("address", address))
		return Verdict{Result: Defer, Class: "quota", Message: fmt.Sprintf("quota check child: %v", err)}
	}
	var res quotaResult
	if err := json.Unmarshal(out, &res); err != nil {
		return Verdict{Result: Defer, Class: "quota", Message: fmt.Sprintf("parsing quota child result: %v", err)}
	}

	var vd Verdict
	switch res.RC {
	case 0:
		vd = Verdict{Result: OK}
	case 1:
		vd = Verdict{Result: Fail, Class: "quota", Message: res.Message}
	default:
		return Verdict{Result: Defer, Class: "quota", Message: res.Message}
	}

	if !noCache {
		rec := hintsdb.QuotaRecord{Address: address, Result: hintsdb.ResultAccept, Message: res.Message}
		if vd.Result == Fail {
			rec.Result = hintsdb.ResultReject
		}
		if err := hintsdb.StoreQuota(ctx, rec); err != nil {
			log.Errorx("storing quota verdict", err)
		}
	}
	return vd
}

// QuotaChild is the child side of VerifyQuota: run the quota routine for
// address and marshal the result to w. The main program dispatches the
// quota-check subcommand here after dropping to the delivery user.
func QuotaChild(address string, w io.Writer) error {
	res := quotaResult{RC: 2, Class: "quota"}
	if QuotaCheck == nil {
		res.Message = "no quota routine configured"
	} else if ok, msg, err := QuotaCheck(address); err != nil {
		res.Message = err.Error()
	} else if ok {
		res = quotaResult{RC: 0, Message: msg}
	} else {
		res = quotaResult{RC: 1, Class: "quota", Message: msg}
	}
	return json.NewEncoder(w).Encode(res)
}
