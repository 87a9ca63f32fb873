// Package vm runs machine bundles. It turns a bundle manifest into a
// framework configuration, drives the machine through its lifecycle and
// keeps the bundle's boot record and disk snapshots.
package vm
