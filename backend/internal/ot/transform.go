package ot

// Transform 把 local 变换到 remote 之后执行（两者基于同一文档）。
// 同一位置插入时由 localWins 决定谁在前面。区间重叠时两边删掉的字符都被删除，
// 两边插入的文本都保留，必要时由 local 把 remote 插入的文本重新写一遍，
// 这样无论 localWins 取什么值，两个方向变换后的结果都相同。
//
// 返回值一定落在 remote 作用后的文档范围内。
func Transform(local, remote Operation, localWins bool) Operation {
	if remote.IsNoop() {
		return local
	}
	lo, ro := local.Offset, remote.Offset
	lEnd := lo + local.ToRemove
	rEnd := ro + remote.ToRemove
	rLen := remote.InsertLen()

	if local.IsNoop() {
		switch {
		case lo <= ro:
		case lo >= rEnd:
			local.Offset += rLen - remote.ToRemove
		default:
			local.Offset = ro + rLen
		}
		return local
	}

	localFirst := lEnd <= ro
	remoteFirst := rEnd <= lo
	switch {
	case localFirst && remoteFirst:
		// 同一位置的两个纯插入
		if !localWins {
			local.Offset += rLen
		}
		return local
	case localFirst:
		return local
	case remoteFirst:
		local.Offset += rLen - remote.ToRemove
		return local
	}

	// 区间重叠：local 接管两者删除区间的并集 [u0, u1)
	u0, u1 := min(lo, ro), max(lEnd, rEnd)
	span := u1 - u0 - remote.ToRemove + rLen
	ahead := lo < ro || (lo == ro && localWins)
	if ahead {
		if rEnd == u1 {
			return Operation{Offset: u0, ToRemove: ro - u0, ToInsert: local.ToInsert}
		}
		return Operation{Offset: u0, ToRemove: span, ToInsert: local.ToInsert + remote.ToInsert}
	}
	if ro == u0 {
		return Operation{Offset: ro + rLen, ToRemove: u1 - rEnd, ToInsert: local.ToInsert}
	}
	return Operation{Offset: u0, ToRemove: span, ToInsert: remote.ToInsert + local.ToInsert}
}

// TransformSequence 把依次执行的 ops 整体变换到 by 之后。
// by 与 ops[0] 基于同一文档，by 每经过一个 op 也同步变换一次。
func TransformSequence(ops []Operation, by Operation, opsWin bool) []Operation {
	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		out = append(out, Transform(op, by, opsWin))
		by = Transform(by, op, !opsWin)
	}
	return out
}
