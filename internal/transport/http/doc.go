// Package http implements the local control API of the entitlement agent.
//
// Handlers are thin: they decode and validate the request, call the license
// session and render the result with go-chi/render. Failures are rendered as
// RFC 7807 problem details; licensing error kinds map to status codes through
// errors.FromLicensingError.
//
// Routes:
//
//	GET  /api/v1/license/status        current status, policy and grace state
//	GET  /api/v1/license/trial         trial days remaining
//	POST /api/v1/license/features      record use of a feature
//	POST /api/v1/license/checkouts     import a checkout (JSON path or raw body)
//	POST /api/v1/license/cleanup       remove invalid policies and checkouts
//	GET  /api/v1/records/{kind}.csv    export usage or feature records
//	GET  /health, /health/live         health report and liveness
//	GET  /metrics                      Prometheus exposition
package http
