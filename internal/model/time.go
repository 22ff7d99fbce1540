package model

import (
	"fmt"
	"time"
)

// LocalTime 以 "YYYY-MM-DD HH:MM:SS ±zzzz" 格式序列化时间。
type LocalTime time.Time

const timeFormat = "2006-01-02 15:04:05 -0700"

// MarshalJSON implements the json.Marshaler interface.
func (t LocalTime) MarshalJSON() ([]byte, error) {
	formatted := fmt.Sprintf("\"%s\"", time.Time(t).Format(timeFormat))
	return []byte(formatted), nil
}

// FormatLocal 将时间转换到 loc 时区后格式化，对话记录与提示词中的时间戳都使用它。
func FormatLocal(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(timeFormat)
}
