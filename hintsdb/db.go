// Package hintsdb stores callout verification verdicts and waiting-message
// records for later use.
//
// Callout results are expensive to obtain (a full outbound SMTP conversation)
// and remote postmasters dislike repeated probes, so verdicts are cached per
// domain and per address/sender pair. Waiting records let a new connection to
// a host pick up other messages queued for that same host.
package hintsdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.etcd.io/bbolt"

	"github.com/mjl-/bstore"

	"github.com/mailmoth/moth/config"
	"github.com/mailmoth/moth/mlog"
)

var (
	metricLookup = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moth_hintsdb_lookup_total",
			Help: "Number of hints database lookups, by kind and result.",
		},
		[]string{"kind", "result"},
	)
)

var timeNow = time.Now // Tests override this.

// Result is a cached callout verdict.
type Result string

const (
	ResultUnknown            Result = ""
	ResultAccept             Result = "accept"
	ResultReject             Result = "reject"
	ResultRejectMailFromNull Result = "reject_mail_from_null" // MAIL FROM:<> was refused.
)

// DomainRecord is the per-domain callout state: the verdict of connecting and
// sending MAIL FROM, and the optional random-local-part and postmaster probes.
// Each arm has its own timestamp and expires independently.
type DomainRecord struct {
	Domain string // Unicode form, lower-cased.

	Updated time.Time
	Result  Result

	RandomUpdated time.Time
	RandomResult  Result // Accept means the host takes any local part, so verification is vacuous.

	PostmasterUpdated time.Time
	PostmasterResult  Result
}

// AddressRecord caches the verdict for one recipient or sender address. The
// key is the address alone for callouts with an empty MAIL FROM, and
// "address/<sender>" otherwise: a host may accept a recipient from one sender
// and refuse it from another.
type AddressRecord struct {
	Key     string
	Updated time.Time
	Result  Result // Accept or reject only.
	Code    int    // SMTP reply code of the deciding response, 0 if none.
	Message string // Final line of the deciding response.
}

// QuotaRecord caches the result of a local quota check for a recipient.
type QuotaRecord struct {
	Address string
	Updated time.Time
	Result  Result
	Message string
}

// WaitingRecord lists message ids queued for a host after a deferred
// delivery. When a record fills up, a continuation is written under
// "host:seq". The chain is scanned before opening a new connection so
// one connection can carry several messages.
type WaitingRecord struct {
	Key     string // Host, or "host:seq" for continuations.
	Host    string `bstore:"index"`
	Seq     int
	Updated time.Time
	MsgIDs  []string
}

// Message ids in waiting records, e.g. 1a2B3c-4d5E6f-7g. Records holding
// anything else are from an older incompatible version and are purged.
var msgIDRegexp = regexp.MustCompile(`^[0-9A-Za-z]{6}-[0-9A-Za-z]{6,11}-[0-9A-Za-z]{2,4}$`)

// Max message ids in one waiting record before a continuation is started.
const waitingRecordSize = 50

// ErrNotFound indicates no valid, unexpired record is present.
var ErrNotFound = errors.New("hintsdb: not found")

var DBTypes = []any{DomainRecord{}, AddressRecord{}, QuotaRecord{}, WaitingRecord{}} // Types stored in DB.
var DB *bstore.DB                                                                   // Exported for backups.
var mutex sync.Mutex

func dbPath() string {
	p := config.Conf.Hints.Path
	if !filepath.IsAbs(p) {
		p = filepath.Join(config.Conf.DataDir, p)
	}
	return p
}

func database(ctx context.Context) (rdb *bstore.DB, rerr error) {
	mutex.Lock()
	defer mutex.Unlock()
	if DB == nil {
		p := dbPath()
		os.MkdirAll(filepath.Dir(p), 0770)
		db, err := bstore.Open(ctx, p, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
		if err != nil {
			return nil, err
		}
		DB = db
	}
	return DB, nil
}

// Init opens the database.
func Init(ctx context.Context) error {
	_, err := database(ctx)
	return err
}

// Close closes the database.
func Close() {
	mutex.Lock()
	defer mutex.Unlock()
	if DB != nil {
		err := DB.Close()
		mlog.New("hintsdb", nil).Check(err, "closing database")
		DB = nil
	}
}

func expiry() time.Duration {
	if e := config.Conf.Hints.Expiry; e > 0 {
		return e
	}
	return 24 * time.Hour
}

func expired(t time.Time) bool {
	return t.IsZero() || timeNow().Sub(t) > expiry()
}

// AddressKey returns the key under which a callout verdict for address is
// cached. Sender is empty for callouts that use MAIL FROM:<>.
func AddressKey(address, sender string) string {
	if sender == "" {
		return address
	}
	return address + "/<" + sender + ">"
}

// LookupDomain returns the domain callout record. Arms whose timestamp has
// expired are returned as unknown. An absent record is not an error: a zero
// record with Domain set is returned.
func LookupDomain(ctx context.Context, domain string) (DomainRecord, error) {
	result := "miss"
	defer func() {
		metricLookup.WithLabelValues("domain", result).Inc()
	}()

	dr := DomainRecord{Domain: domain}
	db, err := database(ctx)
	if err != nil {
		return dr, err
	}
	r := DomainRecord{Domain: domain}
	if err := db.Get(ctx, &r); err == bstore.ErrAbsent {
		return dr, nil
	} else if err != nil {
		result = "error"
		return dr, err
	}
	if expired(r.Updated) {
		r.Updated = time.Time{}
		r.Result = ResultUnknown
	}
	if expired(r.RandomUpdated) {
		r.RandomUpdated = time.Time{}
		r.RandomResult = ResultUnknown
	}
	if expired(r.PostmasterUpdated) {
		r.PostmasterUpdated = time.Time{}
		r.PostmasterResult = ResultUnknown
	}
	if r.Result != ResultUnknown || r.RandomResult != ResultUnknown || r.PostmasterResult != ResultUnknown {
		result = "hit"
	}
	return r, nil
}

// StoreDomain merges the non-unknown arms of rec into the stored domain
// record, stamping their timestamps.
func StoreDomain(ctx context.Context, rec DomainRecord) error {
	db, err := database(ctx)
	if err != nil {
		return err
	}
	return db.Write(ctx, func(tx *bstore.Tx) error {
		now := timeNow()
		r := DomainRecord{Domain: rec.Domain}
		err := tx.Get(&r)
		if err != nil && err != bstore.ErrAbsent {
			return err
		}
		insert := err == bstore.ErrAbsent
		if rec.Result != ResultUnknown {
			r.Result = rec.Result
			r.Updated = now
		}
		if rec.RandomResult != ResultUnknown {
			r.RandomResult = rec.RandomResult
			r.RandomUpdated = now
		}
		if rec.PostmasterResult != ResultUnknown {
			r.PostmasterResult = rec.PostmasterResult
			r.PostmasterUpdated = now
		}
		if insert {
			return tx.Insert(&r)
		}
		return tx.Update(&r)
	})
}

// LookupAddress returns the cached verdict for a callout cache key, or
// ErrNotFound if absent or expired.
func LookupAddress(ctx context.Context, key string) (AddressRecord, error) {
	result := "miss"
	defer func() {
		metricLookup.WithLabelValues("address", result).Inc()
	}()

	db, err := database(ctx)
	if err != nil {
		return AddressRecord{}, err
	}
	r := AddressRecord{Key: key}
	if err := db.Get(ctx, &r); err == bstore.ErrAbsent {
		return AddressRecord{}, ErrNotFound
	} else if err != nil {
		result = "error"
		return AddressRecord{}, err
	}
	if expired(r.Updated) {
		return AddressRecord{}, ErrNotFound
	}
	result = "hit"
	return r, nil
}

// StoreAddress records a callout verdict for a cache key, overwriting any
// existing record.
func StoreAddress(ctx context.Context, rec AddressRecord) error {
	db, err := database(ctx)
	if err != nil {
		return err
	}
	rec.Updated = timeNow()
	return db.Write(ctx, func(tx *bstore.Tx) error {
		if err := tx.Delete(&AddressRecord{Key: rec.Key}); err != nil && err != bstore.ErrAbsent {
			return err
		}
		return tx.Insert(&rec)
	})
}

// LookupQuota returns the cached quota verdict for an address, or ErrNotFound.
func LookupQuota(ctx context.Context, address string) (QuotaRecord, error) {
	result := "miss"
	defer func() {
		metricLookup.WithLabelValues("quota", result).Inc()
	}()

	db, err := database(ctx)
	if err != nil {
		return QuotaRecord{}, err
	}
	r := QuotaRecord{Address: address}
	if err := db.Get(ctx, &r); err == bstore.ErrAbsent {
		return QuotaRecord{}, ErrNotFound
	} else if err != nil {
		result = "error"
		return QuotaRecord{}, err
	}
	if expired(r.Updated) {
		return QuotaRecord{}, ErrNotFound
	}
	result = "hit"
	return r, nil
}

// StoreQuota records a quota verdict for an address.
func StoreQuota(ctx context.Context, rec QuotaRecord) error {
	db, err := database(ctx)
	if err != nil {
		return err
	}
	rec.Updated = timeNow()
	return db.Write(ctx, func(tx *bstore.Tx) error {
		if err := tx.Delete(&QuotaRecord{Address: rec.Address}); err != nil && err != bstore.ErrAbsent {
			return err
		}
		return tx.Insert(&rec)
	})
}

// AddWaiting records msgID as queued for host after a deferred delivery. The
// id is appended to the newest record in the chain, starting a continuation
// record when it is full.
func AddWaiting(ctx context.Context, host, msgID string) error {
	if !msgIDRegexp.MatchString(msgID) {
		return fmt.Errorf("hintsdb: malformed message id %q", msgID)
	}
	db, err := database(ctx)
	if err != nil {
		return err
	}
	return db.Write(ctx, func(tx *bstore.Tx) error {
		l, err := bstore.QueryTx[WaitingRecord](tx).FilterNonzero(WaitingRecord{Host: host}).List()
		if err != nil {
			return err
		}
		sort.Slice(l, func(i, j int) bool { return l[i].Seq < l[j].Seq })
		now := timeNow()
		if len(l) > 0 {
			last := l[len(l)-1]
			for _, id := range last.MsgIDs {
				if id == msgID {
					return nil
				}
			}
			if len(last.MsgIDs) < waitingRecordSize {
				last.MsgIDs = append(last.MsgIDs, msgID)
				last.Updated = now
				return tx.Update(&last)
			}
			r := WaitingRecord{Key: fmt.Sprintf("%s:%d", host, last.Seq+1), Host: host, Seq: last.Seq + 1, Updated: now, MsgIDs: []string{msgID}}
			return tx.Insert(&r)
		}
		r := WaitingRecord{Key: host, Host: host, Updated: now, MsgIDs: []string{msgID}}
		return tx.Insert(&r)
	})
}

// WaitingMsgIDs returns the message ids waiting for host, in insertion order.
// A chain containing a malformed message id, or whose records have expired,
// is purged and reported as empty.
func WaitingMsgIDs(ctx context.Context, host string) ([]string, error) {
	db, err := database(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	err = db.Write(ctx, func(tx *bstore.Tx) error {
		l, err := bstore.QueryTx[WaitingRecord](tx).FilterNonzero(WaitingRecord{Host: host}).List()
		if err != nil {
			return err
		}
		sort.Slice(l, func(i, j int) bool { return l[i].Seq < l[j].Seq })
		purge := false
		for _, r := range l {
			if expired(r.Updated) {
				purge = true
				break
			}
			for _, id := range r.MsgIDs {
				if !msgIDRegexp.MatchString(id) {
					purge = true
					break
				}
				ids = append(ids, id)
			}
			if purge {
				break
			}
		}
		if purge {
			ids = nil
			for _, r := range l {
				if err := tx.Delete(&r); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// RemoveWaiting removes msgID from the waiting chain for host, e.g. after the
// message was delivered or bounced. Emptied continuation records are deleted.
func RemoveWaiting(ctx context.Context, host, msgID string) error {
	db, err := database(ctx)
	if err != nil {
		return err
	}
	return db.Write(ctx, func(tx *bstore.Tx) error {
		l, err := bstore.QueryTx[WaitingRecord](tx).FilterNonzero(WaitingRecord{Host: host}).List()
		if err != nil {
			return err
		}
		for _, r := range l {
			n := make([]string, 0, len(r.MsgIDs))
			for _, id := range r.MsgIDs {
				if id != msgID {
					n = append(n, id)
				}
			}
			if len(n) == len(r.MsgIDs) {
				continue
			}
			if len(n) == 0 && r.Seq > 0 {
				if err := tx.Delete(&r); err != nil {
					return err
				}
				continue
			}
			r.MsgIDs = n
			if err := tx.Update(&r); err != nil {
				return err
			}
		}
		return nil
	})
}

// Dump writes bucket statistics and record counts of the hints database file
// at path, reading the underlying bolt file directly. The database must not
// be open in this process.
func Dump(path string, w io.Writer) error {
	bdb, err := bbolt.Open(path, 0660, &bbolt.Options{Timeout: 5 * time.Second, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("open database: %v", err)
	}
	defer bdb.Close()

	return bdb.View(func(tx *bbolt.Tx) error {
		fmt.Fprintf(w, "%s: %d bytes\n", path, tx.Size())
		return tx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			st := b.Stats()
			fmt.Fprintf(w, "bucket %s: %d keys, depth %d, %d leaf pages, %d bytes in use\n", name, st.KeyN, st.Depth, st.LeafPageN, st.LeafInuse)
			records := b.Bucket([]byte("records"))
			if records == nil {
				return nil
			}
			return records.ForEach(func(k, v []byte) error {
				fmt.Fprintf(w, "\t%q: %d bytes\n", k, len(v))
				return nil
			})
		})
	})
}
