// Package pipeline runs step pipelines: ordered stages with concurrent
// collector groups, fan-out stages and stream hand-offs.
//
// A Definition is an immutable list of descriptors:
//
//	def, err := pipeline.NewDefinition("orders",
//		pipeline.Step("validate", validate),
//		pipeline.Collect(pipeline.Group{
//			Name:     "price",
//			Terminal: "total",
//			Members: []pipeline.Member{
//				{Name: "base", Fn: base},
//				{Name: "tax", Fn: tax, Requires: []string{"base"}},
//				{Name: "total", Fn: total, Requires: []string{"base", "tax"}},
//			},
//			Timeout: 2 * time.Second,
//		}),
//		pipeline.Shuffle("orders.priced"),
//		pipeline.Step("bill", bill),
//	)
//
// The Executor feeds each stage's result to the next stage. A collector
// group runs its members concurrently; members read each other's results
// by name through the Collector and the terminal member's result continues
// the pipeline. Cycles between members are not detected at run time and
// end in the group deadline; Group.Validate rejects cycles among declared
// requirements up front.
//
// A Shuffle publishes the current payload and ends the invocation. The
// stages after it form a new segment, run by Executor.Resume for every
// record read from that stream. Delivery is at-least-once, so stages after
// a shuffle may see the same payload twice.
//
// A Spawn stage yields any number of items; each continues through the
// remaining stages as an independent copy.
package pipeline
