package jobmanager

import (
	"regexp"
	"strings"

	"github.com/samber/lo"
	"github.com/samber/mo"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

var pidPattern = regexp.MustCompile(`^\d+$`)

// ForkFlavor runs the job script as a detached process. The PID is the job ID.
func ForkFlavor() Flavor {
	return Flavor{
		Submit: func(b CommandBuilder, workingDir, jobFile string) entity.RawCommandInfo {
			file := JobFilePath(workingDir, jobFile)
			run := b.Command(b.Binary(entity.CommandSubmission, "/bin/sh"), file)
			out := b.Command(">", file+".out")
			errOut := b.Command("2>", file+".err")
			return entity.RawCommandInfo{
				Command: "nohup " + run.Command + " " + out.Command + " " + errOut.Command + " < /dev/null & echo $!",
				Args:    run.Args,
			}
		},
		Monitor: func(b CommandBuilder, jobID string) entity.RawCommandInfo {
			return b.Command(b.Binary(entity.CommandJobMonitoring, "ps"), "-o", "pid=", "-o", "stat=", "-p", jobID)
		},
		JobIDByName: func(b CommandBuilder, jobName, userName string) entity.RawCommandInfo {
			return b.Command(b.Binary(entity.CommandJobIDByName, "pgrep"), "-u", userName, "-f", jobName)
		},
		Cancel: func(b CommandBuilder, jobID string) entity.RawCommandInfo {
			return b.Command(b.Binary(entity.CommandDeletion, "kill"), "-TERM", jobID)
		},
		Parser: func() Parser { return ForkParser{} },
	}
}

type ForkParser struct{}

var _ Parser = ForkParser{}

func (ForkParser) ParseSubmission(stdout string) mo.Option[string] {
	lines := nonEmptyLines(stdout)
	if last, err := lo.Last(lines); err == nil && pidPattern.MatchString(last) {
		return mo.Some(last)
	}
	return mo.None[string]()
}

func (ForkParser) IsSubmissionFailed(stdout string) bool {
	return strings.Contains(stdout, "nohup:")
}

// ParseJobStatus reads `ps -o pid= -o stat=`. A process that is gone has
// finished.
func (ForkParser) ParseJobStatus(jobID, stdout string) (entity.JobStatus, error) {
	lines := nonEmptyLines(stdout)
	if len(lines) == 0 {
		return entity.JobStatus{State: entity.JobStateComplete, Reason: "process " + jobID + " exited"}, nil
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 2 || fields[0] != jobID {
		return entity.JobStatus{}, errors.NewParseError("ps", "expected \"<pid> <stat>\" for process "+jobID, stdout)
	}
	stat := fields[1]
	switch {
	case strings.HasPrefix(stat, "Z"):
		return entity.JobStatus{State: entity.JobStateComplete, Reason: "stat = " + stat}, nil
	case strings.HasPrefix(stat, "T"):
		return entity.JobStatus{State: entity.JobStateSuspended, Reason: "stat = " + stat}, nil
	}
	return entity.JobStatus{State: entity.JobStateActive, Reason: "stat = " + stat}, nil
}

func (ForkParser) ParseJobID(_ string, stdout string) (mo.Option[string], error) {
	for _, l := range nonEmptyLines(stdout) {
		if pidPattern.MatchString(l) {
			return mo.Some(l), nil
		}
		return mo.None[string](), errors.NewParseError("pgrep", "expected a process id per line", stdout)
	}
	return mo.None[string](), nil
}
