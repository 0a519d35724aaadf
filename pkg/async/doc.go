// Package async provides panic-safe goroutine helpers and a bounded worker
// pool used by the batch refresh orchestrator.
package async
