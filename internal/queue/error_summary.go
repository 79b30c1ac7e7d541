package queue

const maxFaultLen = 1024

func summarizeError(err error) string {
	if err == nil {
		return ""
	}
	return truncateString(err.Error(), maxFaultLen)
}

func truncateString(value string, maxLen int) string {
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	return value[:maxLen]
}
