// Package client provides a Go SDK for the rollr callback API, used by the worker
// programs running inside the rollout sandboxes.
//
// A worker container is started with its rollout parameters on the environment
// (see [TaskFromEnv]) and reports its progress back to the control plane with
// the callback token it received.
//
// # Quick Start
//
//	task, err := client.TaskFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	c, err := client.New(client.Config{
//	    BaseURL: task.CallbackURL,
//	    Token:   task.Token,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	c.SetStatus(ctx, "running")
//	c.LogStep(ctx, client.Step{Number: 1, Reasoning: "open the dashboard"})
//	c.ReportResult(ctx, client.Result{Result: `{"count": 42}`, Success: true})
//
// # Retries
//
// Step logs are stored by step number, sending the same step twice overwrites
// it. Every call is retried on network errors and 5xx responses.
//
// # Error Handling
//
// All methods return errors that can be inspected with [errors.Is]:
//
//   - [ErrUnauthorized]: The callback token is not valid (e.g. the rollout was deleted).
//   - [ErrNotValid]: The control plane rejected the request payload.
package client
