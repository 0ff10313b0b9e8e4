package cmd

import (
	"flag"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/getlantern/docquery"
	"github.com/getlantern/docquery/common"
	"github.com/getlantern/golog"
)

var (
	log = golog.LoggerFor("cmd")
)

var (
	Config         = flag.String("config", "", "Optionally specify the path to a YAML file with client options, flags given on the command-line take precedence")
	Endpoint       = flag.String("endpoint", "", "Base URL of the account, for example https://myaccount.documents.azure.com")
	AuthToken      = flag.String("authtoken", "", "Authorization token sent with every request")
	Diagnostics    = flag.String("diagnostics", "", "info, debug or debug-unsafe. debug-unsafe logs query text and parameters")
	RetryMax       = flag.Int("retrymax", 0, "How often to retry throttled and failed requests, defaults to 9")
	RequestTimeout = flag.Duration("requesttimeout", 0, "Timeout for each HTTP attempt, defaults to 60s")
	CacheSize      = flag.Int("routingcachesize", 0, "Maximum number of collections whose partition maps are cached")
	PprofAddr      = flag.String("pprofaddr", "", "if specified, will listen for pprof connections at the specified tcp address")
)

func StartPprof() {
	if *PprofAddr != "" {
		go func() {
			log.Debugf("Starting pprof page at http://%s/debug/pprof", *PprofAddr)
			if err := http.ListenAndServe(*PprofAddr, nil); err != nil {
				log.Errorf("Unable to start PPROF HTTP interface: %v", err)
			}
		}()
	}
}

// ClientOptions builds client Options from the config file (if any) with the
// command-line flags layered on top.
func ClientOptions() (*docquery.Options, error) {
	opts := &docquery.Options{}
	if *Config != "" {
		var err error
		opts, err = docquery.LoadConfig(*Config)
		if err != nil {
			return nil, err
		}
		log.Debugf("Loaded client options from %v", *Config)
	}
	overrideString(&opts.Endpoint, *Endpoint)
	overrideString(&opts.AuthToken, *AuthToken)
	if *Diagnostics != "" {
		opts.DiagnosticLevel = common.ParseDiagnosticLevel(*Diagnostics)
	}
	if *RetryMax > 0 {
		opts.RetryMax = *RetryMax
	}
	overrideDuration(&opts.RequestTimeout, *RequestTimeout)
	if *CacheSize > 0 {
		opts.RoutingCacheSize = *CacheSize
	}
	return opts, nil
}

func overrideString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func overrideDuration(target *time.Duration, value time.Duration) {
	if value > 0 {
		*target = value
	}
}
