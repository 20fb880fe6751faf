// Package harness provides conformance testing for denorm query configs.
//
// The harness compiles join queries, runs the engine over a fresh store,
// applies the writes of a scenario one step at a time, and validates the
// derived documents once the engine has settled.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	queries:
//	  - ../queries            # CUE files or directories
//	inline: |                 # optional extra declarations
//	  query: extra: {...}
//	store: memory             # or sqlite
//	setup:                    # written before the engine starts
//	  - path: companies/c1
//	    data: { name: acme }
//	steps:
//	  - path: places/p1       # op defaults to set
//	    data: { companyID: c1 }
//	  - op: update
//	    path: companies/c1
//	    data: { name: ACME }
//	  - op: delete
//	    path: companies/c1
//	assertions:
//	  - type: document
//	    path: placesView/p1
//	    expect: { company: null }
//	  - type: dependencies
//	    path: placesView/p1
//	    values: []
//
// # Assertion Types
//
//   - document: the document exists and contains the expected fields (subset match)
//   - absent: the document does not exist
//   - dependencies: the document's dependency list, ignoring order
//   - count: the number of documents directly under a collection
//   - trigger_errors: the number of trigger failures the engine reported
//
// # Deterministic Testing
//
// Stores use a stepping clock (testutil.Clock) and triggers draw batch ids
// from testutil.SequenceBatchIDs. Golden snapshots hold the settled store
// in canonical JSON with batch ids and timestamps removed, so concurrent
// handler interleavings never change the snapshot.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/places_companies.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
