package terminal

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sciencegateway/jobgate/pkg/entity"
)

const timeLayout = "2006-01-02 15:04:05 MST"

var titleCaser = cases.Title(language.English)

// StateString renders a job state title-cased and colored by outcome.
func (t *Terminal) StateString(s entity.JobState) string {
	label := titleCaser.String(string(s))
	switch s {
	case entity.JobStateComplete, entity.JobStateQueued, entity.JobStateActive:
		return t.Green(label)
	case entity.JobStateFailed, entity.JobStateCanceled:
		return t.Red(label)
	case entity.JobStateSubmitted, entity.JobStateSuspended:
		return t.Yellow(label)
	default:
		return label
	}
}

func getTableOptions() table.Options {
	options := table.OptionsDefault
	options.DrawBorder = false
	options.SeparateColumns = false
	options.SeparateRows = false
	options.SeparateHeader = false
	return options
}

func newTable(w io.Writer, header table.Row) table.Writer {
	ta := table.NewWriter()
	ta.SetOutputMirror(w)
	ta.Style().Options = getTableOptions()
	ta.AppendHeader(header)
	return ta
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Local().Format(timeLayout)
}

// DisplayJobs prints one row per job with its latest state.
func (t *Terminal) DisplayJobs(jobs []entity.JobModel) {
	ta := newTable(t.verbose, table.Row{"TASK", "JOB ID", "NAME", "RESOURCE", "STATE", "UPDATED"})
	for _, j := range jobs {
		last, _ := j.LatestStatus()
		ta.AppendRow(table.Row{j.TaskID, j.JobID, j.JobName, j.ComputeResourceID, t.StateString(j.State()), formatTime(last.TimeOfStateChange)})
	}
	ta.Render()
}

// DisplayJob prints a job's identity followed by its full status history.
func (t *Terminal) DisplayJob(job entity.JobModel) {
	t.Vprintf("Task:      %s\n", job.TaskID)
	t.Vprintf("Job ID:    %s\n", job.JobID)
	t.Vprintf("Job name:  %s\n", job.JobName)
	t.Vprintf("Resource:  %s\n", job.ComputeResourceID)
	t.Vprintf("Directory: %s\n", job.WorkingDir)
	t.Vprintf("State:     %s\n\n", t.StateString(job.State()))

	ta := newTable(t.verbose, table.Row{"#", "STATE", "AT", "REASON"})
	for i, s := range job.Statuses {
		ta.AppendRow(table.Row{i + 1, t.StateString(s.State), formatTime(s.TimeOfStateChange), s.Reason})
	}
	ta.Render()
}

func (t *Terminal) DisplayVolume(v entity.StorageVolumeInfo) {
	ta := newTable(t.verbose, table.Row{"MOUNT", "TYPE", "SIZE", "USED", "AVAIL", "USE%"})
	ta.AppendRow(table.Row{v.MountPoint, v.FilesystemType, v.TotalSize, v.UsedSize, v.AvailableSize, fmt.Sprintf("%.0f%%", v.PercentageUsed)})
	ta.Render()
}

func (t *Terminal) DisplayFiles(files []entity.FileMetadata) {
	ta := newTable(t.verbose, table.Row{"MODE", "SIZE", "MODIFIED", "NAME"})
	for _, f := range files {
		name := f.Name
		if f.IsDirectory {
			name = t.Blue(name + "/")
		}
		ta.AppendRow(table.Row{f.Mode.String(), f.Size, formatTime(f.ModTime), name})
	}
	ta.Render()
}

// DisplayResources prints one row per job submission interface.
func (t *Terminal) DisplayResources(resources []entity.ComputeResource) {
	ta := newTable(t.verbose, table.Row{"ID", "PROTOCOL", "HOST", "SCHEDULER", "VERSION"})
	for _, r := range resources {
		for _, iface := range r.Interfaces {
			host := iface.Host
			if host == "" {
				host = r.HostName
			}
			if iface.Port != 0 {
				host = fmt.Sprintf("%s:%d", host, iface.Port)
			}
			ta.AppendRow(table.Row{r.ID, iface.Protocol, host, iface.SchedulerKind, iface.SchedulerVersion})
		}
	}
	ta.Render()
}
