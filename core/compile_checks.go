package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ JobHandler       = (*Service)(nil)
	_ JobWorkerHook    = (*MessageLifecycleHook)(nil)
	_ BackoffScheduler = ExponentialBackoff{}

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
