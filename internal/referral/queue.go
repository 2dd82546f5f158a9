package referral

import "sort"

// SortTriage orders open referrals for operator queues: urgency rank
// descending, ties broken by creation time ascending so the oldest case at
// a given urgency is attended to first.
func SortTriage(rs []Referral) {
	sort.SliceStable(rs, func(i, j int) bool {
		ri, rj := rs[i].Urgency.Rank(), rs[j].Urgency.Rank()
		if ri != rj {
			return ri > rj
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}
