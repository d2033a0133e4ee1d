package model

// MethodTarget задаёт набор способов оплаты, по которым распределяется депозит:
// либо единственный способ, либо упорядоченная по приоритету группа.
type MethodTarget struct {
	single int64
	group  []int64
}

// SingleMethod создаёт цель из одного способа оплаты.
func SingleMethod(id int64) MethodTarget {
	return MethodTarget{single: id}
}

// GroupMethods создаёт цель из упорядоченной группы способов оплаты.
// Пустая группа не допускается вызывающей стороной, см. Deposit.Target.
func GroupMethods(ids ...int64) MethodTarget {
	group := make([]int64, len(ids))
	copy(group, ids)
	return MethodTarget{group: group}
}

// IsGroup сообщает, задана ли цель группой.
func (t MethodTarget) IsGroup() bool {
	return len(t.group) > 0
}

// Methods возвращает непустой упорядоченный список способов оплаты.
// Повторы сохраняются.
func (t MethodTarget) Methods() []int64 {
	if len(t.group) == 0 {
		return []int64{t.single}
	}
	res := make([]int64, len(t.group))
	copy(res, t.group)
	return res
}

// Distinct возвращает способы оплаты без повторов в порядке первого появления.
func (t MethodTarget) Distinct() []int64 {
	methods := t.Methods()
	seen := make(map[int64]struct{}, len(methods))
	res := make([]int64, 0, len(methods))
	for _, id := range methods {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		res = append(res, id)
	}
	return res
}
