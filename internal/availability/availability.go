// Package availability は予約可能な時間枠を計算する。
// ネットワークやストレージへのアクセスは行わない純粋な計算のみを持つ。
package availability

import (
	"fmt"
	"sort"
	"time"

	"github.com/hitoshi/recruitcal/internal/model"
)

// SlotStep は枠の開始時刻の刻み幅。開始時刻は常にローカル時刻の00分または30分になる。
const SlotStep = 30 * time.Minute

// Rules は空き枠計算のパラメータ。
type Rules struct {
	SlotDuration       time.Duration
	BusinessHoursStart int
	BusinessHoursEnd   int
	Buffer             time.Duration
	MinNotice          time.Duration
	AllowedWeekdays    model.WeekdaySet // 空の場合は月曜から金曜
	Location           *time.Location
}

// RulesFromConnection はカレンダー接続の予約ルールから計算パラメータを組み立てる。
// バッファは接続側と面談種別側(extraBufferMinutes)の大きい方を使う。
func RulesFromConnection(r model.BookingRules, slotMinutes, extraBufferMinutes int) (Rules, error) {
	if slotMinutes <= 0 {
		return Rules{}, fmt.Errorf("slot duration must be positive: %d", slotMinutes)
	}
	loc, err := r.Location()
	if err != nil {
		return Rules{}, err
	}
	buffer := r.BufferMinutes
	if extraBufferMinutes > buffer {
		buffer = extraBufferMinutes
	}
	return Rules{
		SlotDuration:       time.Duration(slotMinutes) * time.Minute,
		BusinessHoursStart: r.BusinessHoursStart,
		BusinessHoursEnd:   r.BusinessHoursEnd,
		Buffer:             time.Duration(buffer) * time.Minute,
		MinNotice:          time.Duration(r.MinNoticeHours) * time.Hour,
		AllowedWeekdays:    r.AllowedWeekdays,
		Location:           loc,
	}, nil
}

// interval は計算途中の区間 [start, end)。
type interval struct {
	start time.Time
	end   time.Time
}

// Calculate はビジー区間と予約ルールから予約可能な枠を時系列順に返す。
//
// rangeStartとrangeEndはRules.Locationでの日付として解釈し、両端の日付を含む。
// 枠の開始はローカル時刻の30分刻みに揃い、バッファで広げたビジー区間とは重ならない。
// ビジー区間の直前の枠は、その開始時刻ちょうどに終わるものも除外する。
func Calculate(busy []model.BusyPeriod, rangeStart, rangeEnd time.Time, rules Rules, now time.Time) []model.TimeSlot {
	if rules.SlotDuration <= 0 || rules.BusinessHoursEnd <= rules.BusinessHoursStart {
		return nil
	}
	loc := rules.Location
	if loc == nil {
		loc = time.UTC
	}

	sorted := make([]model.BusyPeriod, 0, len(busy))
	for _, b := range busy {
		if b.End.After(b.Start) {
			sorted = append(sorted, b)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	minBooking := now.Add(rules.MinNotice)

	first := rangeStart.In(loc)
	last := rangeEnd.In(loc)
	lastDay := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, loc)

	var slots []model.TimeSlot
	for day := time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, loc); !day.After(lastDay); day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc) {
		if !rules.AllowedWeekdays.Contains(day.Weekday()) {
			continue
		}

		winStart := time.Date(day.Year(), day.Month(), day.Day(), rules.BusinessHoursStart, 0, 0, 0, loc)
		winEnd := time.Date(day.Year(), day.Month(), day.Day(), rules.BusinessHoursEnd, 0, 0, 0, loc)
		if winStart.Before(minBooking) {
			winStart = ceilToStep(minBooking, loc)
		}
		if !winEnd.After(winStart) {
			continue
		}

		slots = append(slots, daySlots(sorted, winStart, winEnd, rules, loc)...)
	}
	return slots
}

// daySlots は1日分の営業時間枠 [winStart, winEnd) から空き枠を切り出す。
func daySlots(busy []model.BusyPeriod, winStart, winEnd time.Time, rules Rules, loc *time.Location) []model.TimeSlot {
	blocked := blockedIntervals(busy, winStart, winEnd, rules.Buffer)

	var slots []model.TimeSlot
	cursor := winStart
	for _, iv := range blocked {
		// ビジー区間の開始に接する枠は出さない
		for s := cursor; s.Add(rules.SlotDuration).Before(iv.start); s = s.Add(SlotStep) {
			slots = append(slots, model.TimeSlot{Start: s, End: s.Add(rules.SlotDuration)})
		}
		if next := ceilToStep(iv.end, loc); next.After(cursor) {
			cursor = next
		}
	}
	for s := cursor; !s.Add(rules.SlotDuration).After(winEnd); s = s.Add(SlotStep) {
		slots = append(slots, model.TimeSlot{Start: s, End: s.Add(rules.SlotDuration)})
	}
	return slots
}

// blockedIntervals はバッファで広げたビジー区間のうち営業時間枠と重なるものを
// 枠内に切り詰め、重複・隣接を統合して返す。busyは開始時刻順であること。
func blockedIntervals(busy []model.BusyPeriod, winStart, winEnd time.Time, buffer time.Duration) []interval {
	var merged []interval
	for _, b := range busy {
		start := b.Start.Add(-buffer)
		end := b.End.Add(buffer)
		if !start.Before(winEnd) || !end.After(winStart) {
			continue
		}
		if start.Before(winStart) {
			start = winStart
		}
		if end.After(winEnd) {
			end = winEnd
		}
		if !end.After(start) {
			continue
		}
		if n := len(merged); n > 0 && !start.After(merged[n-1].end) {
			if end.After(merged[n-1].end) {
				merged[n-1].end = end
			}
			continue
		}
		merged = append(merged, interval{start: start, end: end})
	}
	return merged
}

// ceilToStep はtをローカル時刻で次の30分刻み（tが刻みちょうどならt自身）に切り上げる。
// 夏時間終了日の重複する時間帯でも結果がtより前にならないよう、絶対時刻で丸める。
func ceilToStep(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	floor := t.Add(-(time.Duration(lt.Minute()%30)*time.Minute +
		time.Duration(lt.Second())*time.Second +
		time.Duration(lt.Nanosecond())))
	if floor.Before(t) {
		return floor.Add(SlotStep)
	}
	return floor
}

// Contains は開始時刻がstartの枠が含まれるかを返す。
func Contains(slots []model.TimeSlot, start time.Time) bool {
	for _, s := range slots {
		if s.Start.Equal(start) {
			return true
		}
	}
	return false
}

// SatisfiesRules はビジー情報を考慮せずに、startから始まる枠が予約ルールを満たすかを返す。
func SatisfiesRules(start time.Time, rules Rules, now time.Time) bool {
	return Contains(Calculate(nil, start, start, rules, now), start)
}

// Overlaps はslotがバッファで広げたいずれかのビジー区間と重なるかを返す。
func Overlaps(slot model.TimeSlot, busy []model.BusyPeriod, buffer time.Duration) bool {
	for _, b := range busy {
		if b.Start.Add(-buffer).Before(slot.End) && b.End.Add(buffer).After(slot.Start) {
			return true
		}
	}
	return false
}
