/*
Package testutil holds helpers shared by the fleet's tests.

  - testutil: contexts bound to the test's lifetime, channel waits and
    JSON helpers
  - testutil/mocks: EventRecorder, an event.Publisher that keeps what it
    is given
  - testutil/fixtures: agent registrations and task options with the
    defaults most tests want

Typical use:

	ctx := testutil.TestContext(t)
	rec := mocks.NewEventRecorder()
	d := directory.New(directory.DefaultConfig(), directory.WithEvents(rec))
	_, err := d.Register(ctx, fixtures.Agent("a1", types.TierWrite, 0.6))
*/
package testutil
