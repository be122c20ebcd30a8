package model

// Progress 推送流每条消息归一化后的进度描述
type Progress struct {
	Status      JobStatus `json:"status"`
	Title       string    `json:"title"`
	Subtitle    string    `json:"subtitle"`
	CurrentStep int       `json:"current_step"`
	TotalSteps  int       `json:"total_steps"`
	Percentage  int       `json:"percentage"`
}

// TotalSteps 进度条总步数
const TotalSteps = 6

// 各状态对应的进度
var progressTable = map[JobStatus]Progress{
	StatusPending: {
		Title:       "Preparing your analysis",
		Subtitle:    "Your request is in line",
		CurrentStep: 1,
		Percentage:  10,
	},
	StatusQueued: {
		Title:       "Queued",
		Subtitle:    "Waiting for an available analyzer",
		CurrentStep: 2,
		Percentage:  20,
	},
	StatusScraping: {
		Title:       "Reading your profile",
		Subtitle:    "Collecting profile data",
		CurrentStep: 3,
		Percentage:  40,
	},
	StatusAnalyzing: {
		Title:       "Analyzing",
		Subtitle:    "AI is reviewing your experience",
		CurrentStep: 4,
		Percentage:  60,
	},
	StatusGeneratingReport: {
		Title:       "Generating report",
		Subtitle:    "Putting your recommendations together",
		CurrentStep: 5,
		Percentage:  80,
	},
	StatusCompleted: {
		Title:       "Analysis complete",
		Subtitle:    "Opening your report",
		CurrentStep: 6,
		Percentage:  100,
	},
}

// DefaultFailureMessage 后端未给出失败原因时的兜底提示
const DefaultFailureMessage = "Analysis failed. Please try again."

// ProgressFor 查表得到进度，failed 合成 0% 并带上服务端消息
func ProgressFor(status JobStatus, message string) (Progress, bool) {
	if status == StatusFailed {
		if message == "" {
			message = DefaultFailureMessage
		}
		return Progress{
			Status:     StatusFailed,
			Title:      "Analysis failed",
			Subtitle:   message,
			TotalSteps: TotalSteps,
			Percentage: 0,
		}, true
	}

	p, ok := progressTable[status]
	if !ok {
		return Progress{}, false
	}
	p.Status = status
	p.TotalSteps = TotalSteps
	if message != "" {
		p.Subtitle = message
	}
	return p, true
}
