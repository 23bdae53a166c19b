package habit

// 习惯写入前的字段校验。五条规则相互独立，按固定顺序执行，
// 命中第一条违规即返回 *ValidationError；全部通过则无任何副作用。

// Payload 表示待校验的习惯字段集合。
//
// 可选字段缺省时视为空值参与互斥检查。
type Payload struct {
	Action         string
	Place          string
	IsPleasant     bool
	RelatedHabitID *uint
	Reward         string
	Periodicity    int
	TimeToComplete int
}

// ValidationError 表示字段校验失败。
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// RelatedLookup 根据 ID 查询被引用习惯的愉快标记。
//
// 返回值: (是否为愉快习惯, 是否存在, 查询错误)。
type RelatedLookup func(id uint) (isPleasant bool, found bool, err error)

// Rule 是一条独立的校验规则。
type Rule func(p Payload, lookup RelatedLookup) error

// Rules 返回校验规则集，顺序固定。
func Rules() []Rule {
	return []Rule{
		RewardOrRelated,
		RelatedMustBePleasant,
		PleasantHasNoReward,
		PeriodicityRange,
		TimeToCompleteRange,
	}
}

// Validate 依次应用全部规则，返回第一条违规。
func Validate(p Payload, lookup RelatedLookup) error {
	for _, rule := range Rules() {
		if err := rule(p, lookup); err != nil {
			return err
		}
	}
	return nil
}

// RewardOrRelated 校验奖励与关联习惯互斥。
func RewardOrRelated(p Payload, _ RelatedLookup) error {
	if p.RelatedHabitID != nil && p.Reward != "" {
		return &ValidationError{Message: "reward and related habit cannot be set at the same time"}
	}
	return nil
}

// RelatedMustBePleasant 校验被关联的习惯必须带愉快标记。
func RelatedMustBePleasant(p Payload, lookup RelatedLookup) error {
	if p.RelatedHabitID == nil {
		return nil
	}
	if lookup == nil {
		return &ValidationError{Message: "related habit cannot be resolved"}
	}
	isPleasant, found, err := lookup(*p.RelatedHabitID)
	if err != nil {
		return err
	}
	if !found {
		return &ValidationError{Message: "related habit does not exist"}
	}
	if !isPleasant {
		return &ValidationError{Message: "only pleasant habits can be used as a related habit"}
	}
	return nil
}

// PleasantHasNoReward 校验愉快习惯不能有奖励或关联习惯。
func PleasantHasNoReward(p Payload, _ RelatedLookup) error {
	if p.IsPleasant && (p.Reward != "" || p.RelatedHabitID != nil) {
		return &ValidationError{Message: "a pleasant habit cannot have a reward or a related habit"}
	}
	return nil
}

// PeriodicityRange 校验执行周期在 1-7 天之间（含边界）。
func PeriodicityRange(p Payload, _ RelatedLookup) error {
	if p.Periodicity < 1 || p.Periodicity > 7 {
		return &ValidationError{Message: "periodicity must be between 1 and 7 days"}
	}
	return nil
}

// TimeToCompleteRange 校验执行时长在 1-120 之间（含边界）。
func TimeToCompleteRange(p Payload, _ RelatedLookup) error {
	if p.TimeToComplete < 1 || p.TimeToComplete > 120 {
		return &ValidationError{Message: "time to complete must be between 1 and 120"}
	}
	return nil
}
