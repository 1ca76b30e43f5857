// Package agent maintains the directory of registered worker agents. It
// tracks each agent's identity, declared skills, current assignment and
// liveness so the orchestrator can route tasks to the right workers.
package agent
