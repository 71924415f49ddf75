// Package pubsub provides a publish-subscribe interface for fanning run
// events out to observers.
//
// # Overview
//
// This package provides a unified interface for pub/sub messaging so
// secondary consumers (dashboards, audit tails, admin sessions) can
// follow a run without holding its primary event stream. The Redis
// implementation supports horizontal scaling across server instances;
// the in-memory implementation serves single-instance deployments and
// tests.
//
// # Usage
//
// Initialize the pub/sub client:
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//	ps := pubsub.NewRedisPubSub(redisClient)
//
// Publish an event:
//
//	err := ps.Publish(ctx, pubsub.RunEventsTopic(runID), &pubsub.RunEvent{
//		RunID: runID,
//		Event: ev,
//	})
//
// Subscribe to events:
//
//	ch, unsub := ps.Subscribe(ctx, pubsub.RunEventsTopic(runID))
//	defer unsub()
//	for msg := range ch {
//		var event pubsub.RunEvent
//		json.Unmarshal(msg, &event)
//		// Handle event
//	}
//
// # Topics
//
// Topics follow a hierarchical naming convention:
//   - run:events:{runID} - a run's event stream (RunEvent)
//   - run:terminal:{runID} - a run's terminal outcome (RunTerminalEvent)
//   - account:runs:{accountID} - all run activity for an account
//
// Delivery is best-effort: slow subscribers drop messages rather than
// backpressuring the run.
package pubsub
