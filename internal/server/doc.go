// Package server hosts the Fiber HTTP service and its request middleware
// chain. It generates request IDs, reserves the /-/ prefix for diagnostics
// and forwards everything else to the injected ProxyHandler, which serves
// the application origin through the offline cache. Diagnostics endpoints
// live in the routes subpackage; keep exports narrow and accept explicit
// dependencies.
package server
