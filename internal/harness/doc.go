// Package harness runs YAML conformance scenarios against a real channel
// engine backed by an in-memory fixture ledger.
//
// # Scenario Format
//
//	name: assembly_out_of_order
//	description: "Fragments assemble regardless of arrival order"
//	channel: general
//	viewer: viewer          # optional, defaults to "viewer"
//	page_size: 50           # optional
//	setup:
//	  - post: { id: A, sender: alice, type: text, text: "hello", parts: 2 }
//	  - pending: { id: B, sender: viewer, type: text, text: "hi" }
//	  - balance: { asset: gold, amount: 3 }
//	  - status: { signature: A-1, status: failed }
//	flow:
//	  - do: load
//	    expect:
//	      - type: timeline_order
//	        ids: [A]
//	  - post: { id: C, sender: bob, type: reaction, symbol: "+1", reply_to: A }
//	  - do: refresh
//	  - do: load_more
//	    fail: [fetch_older]
//	    expect_error: injected failure
//	assertions:
//	  - type: reaction_group
//	    id: A
//	    symbol: "+1"
//	    reactors: [bob]
//
// Setup steps and ledger-side flow steps use fixture signatures
// "<id>-<fragment index>" and stamp transactions from a ledger clock that
// starts at testutil.Epoch, so every run of a scenario is identical.
//
// # Operations
//
// A flow step's do field is one of load, load_more, load_newer, refresh,
// pending_changed and set_balance (with asset and amount). Every successful
// operation appends one TraceEvent summarizing the published snapshot.
//
// # Assertion Types
//
//   - timeline_order, unresolved, superseded, rejected, missing_parents:
//     the snapshot list equals ids
//   - timeline_contains, timeline_excludes: id is present or absent
//   - visible (optional text), locked, pending, confirmed, unconfirmed:
//     the state of entry id
//   - reaction_group: the symbol group on id has exactly reactors
//   - no_reactions: id has no groups
//   - reply_to: id's resolved parent is parent
//   - more: the snapshot's More flag equals value
//
// # Golden Files
//
// RunWithGolden compares the canonical JSON of a run's trace against
// testdata/golden/{name}.golden. Regenerate with go test -update.
package harness
