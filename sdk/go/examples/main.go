package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"OpenAgent-Runtime/sdk/go/agentd"
)

// main talks to a running agentd at $AGENTD_URL.
func main() {
	baseURL := os.Getenv("AGENTD_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	client, err := agentd.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	agents, err := client.ListAgents(ctx, "debugging")
	if err != nil {
		log.Fatal(err)
	}
	if len(agents) == 0 {
		log.Fatal("no debugging agent registered")
	}
	target := agents[0]
	fmt.Printf("using agent %s (%s, status=%s)\n", target.ID, target.Name, target.Status)

	result, err := client.ExecuteTask(ctx, target.ID, agentd.Task{
		Type:    "create_report",
		Payload: map[string]any{"title": "example report", "severity": "low"},
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("create_report returned %s\n", result.Value)

	job, err := client.SubmitJob(ctx, agentd.JobSubmission{AgentID: target.ID, Task: agentd.Task{Type: "list_reports"}})
	if err != nil {
		log.Fatal(err)
	}
	done, err := client.WaitForJob(ctx, job.ID, 200*time.Millisecond)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("job %s finished with status=%s result=%s\n", done.ID, done.Status, done.Result)
}
