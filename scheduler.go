package dumbbell

// scheduler.go holds the forwarding scheduler of the router.  When the
// router is given a per-packet processing cost, arriving packets are served
// first-come first-serve by a fixed number of cores before they reach the
// egress queue.  With no processing cost the router forwards immediately and
// no scheduler is created.

import (
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// fwdTask describes one packet awaiting processing
type fwdTask struct {
	req          float64                   // required service
	completeFunc evtm.EventHandlerFunction // call when finished
	context      any                       // remember this from caller, to return when finished
	msg          any                       // packet being carried
}

// forwardScheduler holds data structures supporting the multi-core scheduling
type forwardScheduler struct {
	cores     int        // number of processing cores
	execTime  float64    // service needed by every packet
	waiting   []*fwdTask // work to do, not in service
	inservice int        // tasks being served
	served    int
	peakWait  int
}

// createForwardScheduler is a constructor
func createForwardScheduler(cores int, execTime float64) *forwardScheduler {
	fs := new(forwardScheduler)
	fs.cores = cores
	fs.execTime = execTime
	fs.waiting = []*fwdTask{}
	return fs
}

// schedule puts a packet either in service or in the waiting line.  The
// return is true if the packet went directly into service
func (fs *forwardScheduler) schedule(evtMgr *evtm.EventManager, context any, msg any,
	complete evtm.EventHandlerFunction) bool {

	task := &fwdTask{req: fs.execTime, context: context, msg: msg, completeFunc: complete}

	// if all the cores are busy, put in the waiting queue and return
	if fs.cores <= fs.inservice {
		fs.waiting = append(fs.waiting, task)
		if len(fs.waiting) > fs.peakWait {
			fs.peakWait = len(fs.waiting)
		}
		return false
	}
	fs.serve(evtMgr, task)
	return true
}

func (fs *forwardScheduler) serve(evtMgr *evtm.EventManager, task *fwdTask) {
	fs.inservice += 1
	evtMgr.Schedule(fs, task, taskComplete, vrtime.SecondsToTime(task.req))
}

// taskComplete is called when a packet's processing has completed.  The
// next waiting packet (FCFS) is put into service before the packet is
// released
func taskComplete(evtMgr *evtm.EventManager, context any, data any) any {
	fs := context.(*forwardScheduler)
	task := data.(*fwdTask)
	fs.inservice -= 1
	fs.served += 1

	if len(fs.waiting) > 0 {
		nxtTask := fs.waiting[0]
		fs.waiting = fs.waiting[1:]
		fs.serve(evtMgr, nxtTask)
	}

	task.completeFunc(evtMgr, task.context, task.msg)
	return nil
}
