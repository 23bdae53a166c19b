package reminder

import "time"

// 扫描窗口只比较时分秒（按天匹配），日期不参与。
// 窗口可能跨越午夜，此时匹配条件退化为 "TIME >= start OR TIME <= end"。

const clockLayout = "15:04:05"

// WindowBounds 计算以 now 为中心、半径 radius 的时刻窗口。
//
// 返回值:
//
//	start, end: "15:04:05" 格式的窗口边界（闭区间）
//	wraps: 窗口是否跨越午夜
func WindowBounds(now time.Time, radius time.Duration) (start, end string, wraps bool) {
	from := now.Add(-radius)
	to := now.Add(radius)
	start = from.Format(clockLayout)
	end = to.Format(clockLayout)
	wraps = start > end
	return start, end, wraps
}

// InWindow 判断 t 的时刻部分是否落在以 now 为中心、半径 radius 的窗口内。
//
// 边界按闭区间处理；跨午夜的窗口取环上最短距离。
func InWindow(t, now time.Time, radius time.Duration) bool {
	const day = 24 * time.Hour

	diff := clockOf(t) - clockOf(now)
	if diff < 0 {
		diff = -diff
	}
	if day-diff < diff {
		diff = day - diff
	}
	return diff <= radius
}

// clockOf 返回一天内从零点起算的时长。
func clockOf(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
}
