// Package harness runs durable transaction scenarios end to end.
//
// A scenario is a YAML file describing workers that each write rows to a
// SQLite ledger inside one remote transaction, while the oplog fails some
// transaction marker adds, the database forgets transaction statuses, or
// the workers crash. The harness runs it against a real executor over a
// SQLite oplog and checks that recovery converges: committed rows are
// present exactly once, rolled back rows are absent, and asking again
// gives the same answer.
//
// # Scenario Format
//
//	name: commit-three-workers
//	description: Three workers commit concurrently and survive a restart
//	workers: 3
//	rows_per_worker: 20
//	end: commit                    # commit | rollback | none
//	policy: retry                  # retry | fail-safe
//	fail_on:
//	  entry: CommittedRemoteTransaction
//	  count: 1
//	status_not_found: 0
//	crash: restart                 # simulate | interrupt | restart
//	delete:
//	  rows: 5
//	  repeat: 2
//	expect:
//	  rows: 45
//	  status: idle
//	  injected: 1
//	  recoveries:
//	    committed: 3
//
// Unknown fields are rejected, so a typo fails loading instead of being
// silently ignored.
//
// # Run
//
// Every run executes the same flow:
//
//  1. create the workers; the first one creates the ledger table
//  2. every worker writes its rows in one transaction, concurrently
//  3. the crash, if any, is applied to every worker
//  4. the delete, if any, is sent repeat times with one idempotency key;
//     every answer must equal the first
//  5. every worker counts its rows twice; both answers must agree
//
// The final row count, worker statuses, injected faults and transaction
// recovery outcomes are then checked against expect.
//
// # Golden Files
//
// RunWithGolden compares the run's answers with
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
