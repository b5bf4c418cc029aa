package schema

// topologicalOrder sorts tables so every parent precedes its children.
//
// Algorithm (Kahn):
//  1. Count, per table, the distinct parents it references inside the set.
//     Self references are ignored.
//  2. Repeatedly emit the first table in declared order whose count is zero,
//     then decrement the counts of its children.
//  3. Tables left over (relation cycles) are appended in declared order.
func topologicalOrder(tables []Table, relations []Relation) []string {
	declared := make(map[string]int, len(tables))
	for i, t := range tables {
		declared[t.Name] = i
	}

	inDegree := make(map[string]int, len(tables))
	children := make(map[string][]string)
	seen := make(map[[2]string]bool)
	for _, r := range relations {
		if r.ChildTable == r.ParentTable {
			continue
		}
		if _, ok := declared[r.ChildTable]; !ok {
			continue
		}
		if _, ok := declared[r.ParentTable]; !ok {
			continue
		}
		edge := [2]string{r.ParentTable, r.ChildTable}
		if seen[edge] {
			continue
		}
		seen[edge] = true
		inDegree[r.ChildTable]++
		children[r.ParentTable] = append(children[r.ParentTable], r.ChildTable)
	}

	order := make([]string, 0, len(tables))
	emitted := make(map[string]bool, len(tables))
	for len(order) < len(tables) {
		next := ""
		for _, t := range tables {
			if !emitted[t.Name] && inDegree[t.Name] == 0 {
				next = t.Name
				break
			}
		}
		if next == "" {
			break
		}
		emitted[next] = true
		order = append(order, next)
		for _, child := range children[next] {
			inDegree[child]--
		}
	}

	for _, t := range tables {
		if !emitted[t.Name] {
			order = append(order, t.Name)
		}
	}
	return order
}
