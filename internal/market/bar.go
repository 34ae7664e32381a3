package market

// Bar 表示单根已收盘 K 线。OpenTime 为 Unix 毫秒；收盘时刻由所属周期推出
// （OpenTime + 周期时长），不单独存储。同一周期序列内按 OpenTime 严格递增。
type Bar struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// CloseTime 返回该 Bar 在周期 p 下的收盘时刻（毫秒）。
func (b Bar) CloseTime(p Period) int64 {
	return b.OpenTime + p.DurationMillis()
}

// 字段名常量，与 BarSource.Retrieve 的 field 参数对应。
const (
	FieldOpen   = "open"
	FieldHigh   = "high"
	FieldLow    = "low"
	FieldClose  = "close"
	FieldVolume = "volume"
)

// Fields 返回全部数值字段名（不含 timestamp）。
func Fields() []string {
	return []string{FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume}
}
