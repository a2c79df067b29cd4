package style

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	Primary = lipgloss.Color("#0EA5E9")
	Green   = lipgloss.Color("#10B981")
	Red     = lipgloss.Color("#EF4444")
	Yellow  = lipgloss.Color("#F59E0B")
	Cyan    = lipgloss.Color("#06B6D4")
	Dim     = lipgloss.Color("#6B7280")
	White   = lipgloss.Color("#F9FAFB")

	Bold = lipgloss.NewStyle().Bold(true).Foreground(White)

	Healthy   = lipgloss.NewStyle().Foreground(Green).Bold(true)
	Unhealthy = lipgloss.NewStyle().Foreground(Red).Bold(true)
	Warning   = lipgloss.NewStyle().Foreground(Yellow)

	DimText = lipgloss.NewStyle().Foreground(Dim)
	Accent  = lipgloss.NewStyle().Foreground(Cyan)

	// Status indicators
	DotHealthy   = Healthy.Render("●")
	DotUnhealthy = Unhealthy.Render("●")
	DotWarning   = Warning.Render("●")
	DotDim       = DimText.Render("●")

	Banner = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		MarginBottom(1)

	// Step indicators
	StepPending = DimText
	StepRunning = lipgloss.NewStyle().Foreground(Yellow).Bold(true)
	StepDone    = lipgloss.NewStyle().Foreground(Green)
	StepFailed  = lipgloss.NewStyle().Foreground(Red).Bold(true)

	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary).
			PaddingRight(2)

	ErrorBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Red).
			Foreground(Red).
			Padding(0, 1).
			MarginTop(1)

	SuccessBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Green).
			Foreground(Green).
			Padding(0, 1).
			MarginTop(1)

	// Key-value
	Key = lipgloss.NewStyle().Foreground(Dim).Width(14)
	Val = lipgloss.NewStyle().Foreground(White)
)

func ServiceDot(status string) string {
	switch status {
	case "up":
		return DotHealthy
	case "down":
		return DotUnhealthy
	default:
		return DotDim
	}
}

// Result renders a run state or result with its outcome color.
func Result(state string) string {
	switch state {
	case "SUCCEEDED":
		return Healthy.Render(state)
	case "FAILED", "TIMED_OUT", "REJECTED", "BUILD_ERROR":
		return Unhealthy.Render(state)
	case "":
		return StepRunning.Render("RUNNING")
	default:
		return Warning.Render(state)
	}
}

// Category renders a run category.
func Category(c string) string {
	switch c {
	case "succeeded":
		return Healthy.Render(c)
	case "unhealthy", "rejected":
		return Unhealthy.Render(c)
	case "not_started":
		return Warning.Render(c)
	default:
		return DimText.Render(c)
	}
}
