package message

// TaskToComputeOf walks the nesting chain of m down to its TaskToCompute.
// It returns nil when m carries none.
func TaskToComputeOf(m Message) *TaskToCompute {
	if isNil(m) {
		return nil
	}
	switch v := m.(type) {
	case *TaskToCompute:
		return v
	case *RejectReportComputedTask:
		return v.TaskToCompute
	case *ForceGetTaskResultFailed:
		return v.TaskToCompute
	case *SubtaskResultsAccepted:
		return v.TaskToCompute
	case *SubtaskResultsSettled:
		return v.TaskToCompute
	case *ForceSubtaskResultsResponse:
		if v.SubtaskResultsAccepted != nil {
			return v.SubtaskResultsAccepted.TaskToCompute
		}
	case *ForceReportComputedTaskResponse:
		if v.RejectReportComputedTask != nil {
			return v.RejectReportComputedTask.TaskToCompute
		}
	}
	if rct := ReportComputedTaskOf(m); rct != nil {
		return rct.TaskToCompute
	}
	return nil
}

// ReportComputedTaskOf walks the nesting chain of m down to its ReportComputedTask.
func ReportComputedTaskOf(m Message) *ReportComputedTask {
	if isNil(m) {
		return nil
	}
	switch v := m.(type) {
	case *ReportComputedTask:
		return v
	case *ForceReportComputedTask:
		return v.ReportComputedTask
	case *AckReportComputedTask:
		return v.ReportComputedTask
	case *VerdictReportComputedTask:
		if v.AckReportComputedTask != nil {
			return v.AckReportComputedTask.ReportComputedTask
		}
		return ReportComputedTaskOf(v.ForceReportComputedTask)
	case *ForceGetTaskResult:
		return v.ReportComputedTask
	case *AckForceGetTaskResult:
		return ReportComputedTaskOf(v.ForceGetTaskResult)
	case *ForceGetTaskResultRejected:
		return ReportComputedTaskOf(v.ForceGetTaskResult)
	case *ForceGetTaskResultUpload:
		return ReportComputedTaskOf(v.ForceGetTaskResult)
	case *ForceGetTaskResultDownload:
		return ReportComputedTaskOf(v.ForceGetTaskResult)
	case *ForceSubtaskResults:
		return ReportComputedTaskOf(v.AckReportComputedTask)
	case *ForceSubtaskResultsRejected:
		return ReportComputedTaskOf(v.ForceSubtaskResults)
	case *SubtaskResultsRejected:
		return v.ReportComputedTask
	case *ForceSubtaskResultsResponse:
		return ReportComputedTaskOf(v.SubtaskResultsRejected)
	case *SubtaskResultsVerify:
		return ReportComputedTaskOf(v.SubtaskResultsRejected)
	case *AckSubtaskResultsVerify:
		return ReportComputedTaskOf(v.SubtaskResultsVerify)
	case *ForceReportComputedTaskResponse:
		return ReportComputedTaskOf(v.AckReportComputedTask)
	}
	return nil
}

// SubtaskIDOf returns the subtask id m refers to, or "".
func SubtaskIDOf(m Message) string {
	if ttc := TaskToComputeOf(m); ttc != nil {
		return ttc.SubtaskID()
	}
	if ftt, ok := m.(*FileTransferToken); ok && ftt != nil {
		return ftt.SubtaskID
	}
	return ""
}
