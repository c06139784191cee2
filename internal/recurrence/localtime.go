package recurrence

import "time"

// ResolveLocal 把一个本地挂钟时间解析为具体时刻，并应用确定性的 DST 策略：
// 挂钟时间落在春季跳变的空隙中（本地不存在）时，前移到跳变后的第一个有效时刻；
// 落在秋季回拨的重叠中（有歧义）时，取转换前（较早）的偏移
func ResolveLocal(loc *time.Location, year int, month time.Month, day, hour, min, sec int) time.Time {
	t := time.Date(year, month, day, hour, min, sec, 0, loc)

	if !sameWall(t, year, month, day, hour, min, sec) {
		// time.Date 对不存在的挂钟时间做了规范化，说明请求的时间落在空隙中
		return gapBoundary(t)
	}

	// 检查是否存在用转换前偏移量解释的更早时刻（秋季回拨的重叠区）
	_, offBefore := t.Add(-12 * time.Hour).Zone()
	_, offNow := t.Zone()
	if offBefore != offNow {
		cand := time.Date(year, month, day, hour, min, sec, 0, time.UTC).Add(-time.Duration(offBefore) * time.Second)
		candLocal := cand.In(loc)
		if sameWall(candLocal, year, month, day, hour, min, sec) && cand.Before(t) {
			return candLocal
		}
	}

	return t
}

func sameWall(t time.Time, year int, month time.Month, day, hour, min, sec int) bool {
	return t.Year() == year && t.Month() == month && t.Day() == day &&
		t.Hour() == hour && t.Minute() == min && t.Second() == sec
}

// gapBoundary 二分查找偏移量的跳变点，返回跳变后的第一个有效本地时刻。
// time.Date 对空隙中挂钟时间的规范化方向没有约定，
// 因此先确定规范化结果落在跳变的哪一侧，再向另一侧查找跳变点
func gapBoundary(normalized time.Time) time.Time {
	lo := normalized.Add(-24 * time.Hour)
	hi := normalized

	_, offLo := lo.Zone()
	if _, offNow := normalized.Zone(); offNow == offLo {
		// 规范化结果仍在跳变之前，跳变点在接下来的 24 小时内
		lo = normalized
		hi = normalized.Add(24 * time.Hour)
		if _, offHi := hi.Zone(); offHi == offLo {
			// 24 小时内找不到跳变点，直接接受规范化结果
			return normalized
		}
	}

	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2)
		if _, off := mid.Zone(); off == offLo {
			lo = mid
		} else {
			hi = mid
		}
	}

	// 时区跳变总是发生在整秒上
	return hi.Truncate(time.Second)
}
