package supervisor

import (
	"context"
	"slices"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const pollInterval = 50 * time.Millisecond

// Descendants returns every process below root, parents before children, from one
// snapshot of the process table.
func Descendants(ctx context.Context, root int32) ([]*process.Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	children := map[int32][]*process.Process{}
	for _, p := range procs {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], p)
	}

	var out []*process.Process
	queue := []int32{root}
	seen := map[int32]bool{root: true}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range children[pid] {
			if seen[child.Pid] {
				continue
			}
			seen[child.Pid] = true
			out = append(out, child)
			queue = append(queue, child.Pid)
		}
	}
	return out, nil
}

// Alive reports whether p still runs. Zombies count as gone.
func Alive(ctx context.Context, p *process.Process) bool {
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return true
	}
	return !slices.Contains(status, process.Zombie)
}

// PIDAlive is Alive for a bare pid.
func PIDAlive(ctx context.Context, pid int32) bool {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return false
	}
	return Alive(ctx, p)
}

func survivors(ctx context.Context, procs []*process.Process) []*process.Process {
	var alive []*process.Process
	for _, p := range procs {
		if Alive(ctx, p) {
			alive = append(alive, p)
		}
	}
	return alive
}

// awaitGone polls until every process is gone or grace elapses and returns the survivors.
func awaitGone(ctx context.Context, procs []*process.Process, grace time.Duration) []*process.Process {
	deadline := time.Now().Add(grace)
	alive := survivors(ctx, procs)
	for len(alive) > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return alive
		case <-time.After(pollInterval):
		}
		alive = survivors(ctx, alive)
	}
	return alive
}

func pids(procs []*process.Process) []int32 {
	out := make([]int32, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.Pid)
	}
	return out
}
