// Package remote lets agents run in other processes, coordinated through Redis.
//
// The scheduler side Executor pushes each assignment onto the agent's inbox and
// waits for the matching result. The Worker side pops assignments, runs them
// and pushes results back, publishing heartbeats while it is alive.
//
//	lodge:{instance}:agent:{name}:inbox           LIST of Job JSON
//	lodge:{instance}:agent:{name}:control         Pub/Sub channel of Control JSON
//	lodge:{instance}:result:{task_id}:{generation} LIST holding one Result JSON
//	lodge:{instance}:heartbeats                   Pub/Sub channel of Heartbeat JSON
//	lodge:{instance}:submissions                  LIST of TaskRequest JSON from producers
package remote

import "fmt"

// InboxKey returns the Redis key for an agent's assignment inbox.
// Pattern: lodge:{instance_name}:agent:{agent_name}:inbox
func InboxKey(instanceName, agentName string) string {
	return fmt.Sprintf("lodge:%s:agent:%s:inbox", instanceName, agentName)
}

// ControlChannel returns the Pub/Sub channel used to cancel an agent's running jobs.
// Pattern: lodge:{instance_name}:agent:{agent_name}:control
func ControlChannel(instanceName, agentName string) string {
	return fmt.Sprintf("lodge:%s:agent:%s:control", instanceName, agentName)
}

// ResultKey returns the Redis key a worker pushes one assignment's result to.
// Pattern: lodge:{instance_name}:result:{task_id}:{generation}
func ResultKey(instanceName, taskID string, generation uint64) string {
	return fmt.Sprintf("lodge:%s:result:%s:%d", instanceName, taskID, generation)
}

// HeartbeatsChannel returns the Pub/Sub channel workers publish liveness on.
// Pattern: lodge:{instance_name}:heartbeats
func HeartbeatsChannel(instanceName string) string {
	return fmt.Sprintf("lodge:%s:heartbeats", instanceName)
}

// SubmissionsKey returns the Redis key producers push task requests onto.
// Pattern: lodge:{instance_name}:submissions
func SubmissionsKey(instanceName string) string {
	return fmt.Sprintf("lodge:%s:submissions", instanceName)
}
