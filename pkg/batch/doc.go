// Package batch drives scheduled full refreshes: org package discovery,
// paced concurrent per-package refreshes, and the closing rollup rebuilds.
package batch
