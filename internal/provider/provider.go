package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/viper"

	"github.com/webamon/webamon-misp-sync/pkg/interop"
)

// Record is one result row from a search provider. There is no fixed schema,
// the keys present drive attribute mapping.
type Record map[string]interface{}

type Request struct {
	Query    string
	Index    string
	PageSize int
	Fields   []string
}

type StopReason string

const (
	STOP_EXHAUSTED StopReason = "exhausted"
	STOP_CEILING   StopReason = "offset_ceiling"
	STOP_ERROR     StopReason = "error"
)

type FetchStats struct {
	Pages      int
	Records    int
	Duplicates int
	StopReason StopReason
	LastError  error
}

type Result struct {
	Records []Record
	Stats   FetchStats
}

type Provider interface {
	// Fetch pages through all results for req and returns them in page
	// order with duplicates removed. Page failures end pagination early and
	// are reported through Stats, not as an error; the error return is
	// reserved for cancellation.
	Fetch(ctx context.Context, req *Request) (*Result, error)
}

type InitFn func(*interop.Interop, *viper.Viper) (Provider, error)

var (
	initFns      map[string]InitFn
	providerLock sync.Mutex
)

func GetProvider(i *interop.Interop) (Provider, error) {
	providerType := i.Config.GetString("provider.type")
	if providerType == "" {
		return nil, fmt.Errorf("missing provider type")
	}

	i.Logger.Debugf("getting provider for type %s...", providerType)

	providerLock.Lock()
	defer providerLock.Unlock()

	fn, ok := initFns[providerType]
	if !ok {
		return nil, fmt.Errorf("invalid provider: %s", providerType)
	}

	v := i.Config.Sub("provider")
	if v == nil {
		v = viper.New()
	}

	// Sub drops the parent's env bindings, carry the resolved values over
	for _, key := range []string{"apiUrl", "apiKey"} {
		if !v.IsSet(key) && i.Config.IsSet("provider."+key) {
			v.Set(key, i.Config.Get("provider."+key))
		}
	}

	i.Logger.Debugf("initializing provider...")
	return fn(i, v)
}

func RegisterProvider(t string, initFn InitFn) {
	providerLock.Lock()
	defer providerLock.Unlock()

	if initFns == nil {
		initFns = make(map[string]InitFn)
	}

	initFns[t] = initFn
}
