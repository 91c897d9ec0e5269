// Package intake is the HTTP endpoint other processes use to request
// rebuilds.
//
// Routes:
//
//	POST /v1/rebuild               genqueue.Message -> submission decision
//	POST /v1/overboard             overboard.Bump   -> reaggregation result
//	GET  /v1/status                queue snapshot
//	GET  /v1/generations?limit=N   recent entries of the generation log
//	GET  /v1/triggers              trigger schedules and last outcomes
//	POST /v1/triggers/{name}/fire  run a trigger now
//	GET  /healthz                  liveness (pings the store when wired)
//	GET  /debug/pprof/...          profiling, when enabled
//
// Every route shares one token bucket; requests over the limit get 429.
package intake
