/*
Package testutil provides testing utilities for integration tests with external services.

# Overview

This package contains infrastructure for running integration tests against a
real PostgreSQL instance using testcontainers. It's designed to provide
high-fidelity testing of the ledger store while maintaining isolation and
reproducibility.

# Usage

	func TestLedger(t *testing.T) {
		tdb := testutil.NewTestDB(t)
		defer tdb.Close(t)

		store := ledger.NewFromPool(tdb.Pool)
		// ...
	}

Tests are skipped automatically when Docker is not available, so the suite
stays runnable on machines without a container runtime.
*/
package testutil
