package ingest

import "time"

// maxBackoff は指数バックオフの最大遅延（1時間）。
const maxBackoff = time.Hour

// CalculateBackoff は連続エラー回数に基づいて次回実行までの遅延を計算する。
// エラーが無ければinterval、以降は2倍ずつ増加し最大1時間。
// intervalが1時間を超える場合はintervalより短くしない。
func CalculateBackoff(interval time.Duration, consecutiveErrors int) time.Duration {
	delay := interval
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			if interval > maxBackoff {
				return interval
			}
			return maxBackoff
		}
	}
	return delay
}
