package worker_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"

	"github.com/petrijr/approvalflow"
	"github.com/petrijr/approvalflow/pkg/worker"
)

// ExampleWorker routes engine notifications through a queue and delivers
// them with a Worker.
func ExampleWorker() {
	ctx := context.Background()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	queue := approvalflow.NewInMemoryQueue()
	eng := approvalflow.NewInMemoryEngine(
		approvalflow.WithNotifier(worker.NewQueueNotifier(queue)),
		approvalflow.WithLogger(quiet),
	)

	approvalflow.NewDefinition("expense", "Expense").
		Step(approvalflow.AnyOf("alice")).
		MustDeploy(ctx, eng, "admin")

	if _, err := approvalflow.Start(ctx, eng, "expense", "expense", "E-1", "bob", nil); err != nil {
		log.Fatal(err)
	}

	w := worker.NewWithConfig(eng, queue, worker.Config{
		Sink: worker.SinkFunc(func(_ context.Context, n worker.Notification) error {
			fmt.Printf("%s: %s/%s step %d\n", n.Event, n.EntityType, n.EntityID, n.Step)
			return nil
		}),
		Logger: quiet,
	})

	processed, err := w.ProcessOne(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("processed:", processed)

	// Output:
	// approval_requested: expense/E-1 step 0
	// processed: true
}
