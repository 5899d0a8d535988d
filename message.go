package main

import "fmt"

const (
	MsgUploadFailed    = "upload failed"
	MsgImageLoadFailed = "image load failed"
	MsgInferenceFailed = "inference failed"
)

func densityMessage(count int) string {
	return fmt.Sprintf("density result: %d people", count)
}
