package docstore

import (
	"net/url"
)

// Collections.
const (
	CollectionChannels       = "channels"
	CollectionSettings       = "settings"
	CollectionAutoDownloads  = "autoDownloads"
	CollectionProcessedFiles = "processedFiles"
	CollectionFailedFiles    = "failedFiles"
	CollectionErrorLogs      = "errorLogs"
)

const settingsDocID = "schedule"

func ChannelPath(ownerID, channelID string) string {
	return "users/" + esc(ownerID) + "/" + CollectionChannels + "/" + esc(channelID)
}

func SettingsPath(ownerID string) string {
	return "users/" + esc(ownerID) + "/" + CollectionSettings + "/" + settingsDocID
}

// AutoDownloadPath is the completion marker of the chained download for one
// generation result.
func AutoDownloadPath(ownerID, channelID, messageRef string) string {
	return ChannelPath(ownerID, channelID) + "/" + CollectionAutoDownloads + "/" + esc(messageRef)
}

func ProcessedFilePath(channelID, fileName string) string {
	return CollectionProcessedFiles + "/" + fileKey(channelID, fileName)
}

func FailedFilePath(channelID, fileName string) string {
	return CollectionFailedFiles + "/" + fileKey(channelID, fileName)
}

func ErrorLogPath(id string) string {
	return CollectionErrorLogs + "/" + esc(id)
}

func fileKey(channelID, fileName string) string {
	return esc(channelID + ":" + fileName)
}

// esc keeps ids from introducing extra path segments.
func esc(s string) string {
	return url.PathEscape(s)
}
