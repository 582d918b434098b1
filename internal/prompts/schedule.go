package prompts

import "fmt"

// scheduledTaskTemplate frames a fired scheduled job as a turn. The
// format verbs are the job name, its action, and the serialized
// parameters.
const scheduledTaskTemplate = `Scheduled task "%s" has fired. Carry it out now.

Action: %s
Parameters: %s

Produce the output the task calls for. If the task requires
capabilities, use them. If it cannot be completed, say exactly what
failed.`

// ScheduledTask returns the interpolated turn text for a fired job.
func ScheduledTask(name, action, params string) string {
	return fmt.Sprintf(scheduledTaskTemplate, name, action, params)
}
